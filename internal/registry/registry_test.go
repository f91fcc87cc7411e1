// ABOUTME: Tests for the controller registry.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/session"
)

// nopController satisfies Controller for registry tests.
type nopController struct{}

func (nopController) Open()                                {}
func (nopController) Close()                               {}
func (nopController) Toggle()                              {}
func (nopController) Ask(string, bool)                     {}
func (nopController) Clear()                               {}
func (nopController) Lock()                                {}
func (nopController) Unlock()                              {}
func (nopController) SetContext(string, []session.Message) {}
func (nopController) SetShortcuts([]session.Shortcut)      {}
func (nopController) SetBlocks([]session.Block)            {}
func (nopController) AddBlock(session.Block)               {}
func (nopController) RemoveBlockByID(string)               {}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	c := nopController{}

	require.NoError(t, r.Register(Info{BotID: "support"}, c))

	got, err := r.Get("support")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCustomIDWinsOverBotID(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(Info{BotID: "support", CustomID: "sidebar"}, nopController{}))

	_, err := r.Get("sidebar")
	assert.NoError(t, err)
	_, err = r.Get("support")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(Info{BotID: "support"}, nopController{}))
	err := r.Register(Info{BotID: "support"}, nopController{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterWithoutIdentity(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(Info{}, nopController{}))
}

func TestUnregisterFreesKey(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(Info{BotID: "support"}, nopController{}))
	r.Unregister("support")

	_, err := r.Get("support")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.Register(Info{BotID: "support"}, nopController{}))
}

func TestList(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Info{BotID: "a"}, nopController{}))
	require.NoError(t, r.Register(Info{BotID: "b", CustomID: "widget-b"}, nopController{}))

	infos := r.List()
	assert.Len(t, infos, 2)
	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.ID] = true
	}
	assert.True(t, ids["a"])
	assert.True(t, ids["widget-b"])
}
