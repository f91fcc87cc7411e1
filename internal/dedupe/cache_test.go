// ABOUTME: Tests for the submit dedupe cache.
// ABOUTME: Verifies duplicate suppression, TTL expiry, and size-bounded eviction.

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_DuplicateSuppressed(t *testing.T) {
	c := New(time.Minute, 100)

	assert.False(t, c.CheckAndMark("submit-1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("submit-1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("submit-2"))
}

func TestCache_ExpiredKeyIsNewAgain(t *testing.T) {
	c := New(20*time.Millisecond, 100)

	assert.False(t, c.CheckAndMark("submit-1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.CheckAndMark("submit-1"), "expired key is treated as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("key-%d", i))
	}
	c.CheckAndMark("key-3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("key-0"), "oldest key was evicted")
}

func TestCache_LazySweepDropsExpired(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	for i := 0; i < 5; i++ {
		c.CheckAndMark(fmt.Sprintf("key-%d", i))
	}
	time.Sleep(30 * time.Millisecond)

	c.CheckAndMark("fresh")
	assert.Equal(t, 1, c.Len(), "insert sweeps out expired entries")
}
