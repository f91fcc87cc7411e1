// ABOUTME: Best-effort persistence of session snapshots keyed by consumer identity.
// ABOUTME: Malformed data means start fresh; write failures flip a soft warning flag, never fail.

package store

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/session"
)

// KV is the storage boundary: synchronous string key-value operations.
// Get treats any underlying read error as absence. Set may fail (quota).
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
}

const keyPrefix = "parley-chat-"

// DeriveKey builds the storage key from the consumer-supplied identity.
// Returns "" when no identity is configured, which disables persistence
// entirely.
func DeriveKey(customID, botID string) string {
	switch {
	case customID != "":
		return keyPrefix + customID
	case botID != "":
		return keyPrefix + botID
	default:
		return ""
	}
}

// Store persists and restores session snapshots. Every operation is
// best-effort: nothing the store does can fail the state machine.
type Store struct {
	kv     KV
	key    string
	logger *slog.Logger

	mu         sync.Mutex
	backupLost bool
}

// New creates a store over the given KV. An empty key (no identity) or a nil
// KV disables the store; Load and Save become no-ops.
func New(kv KV, key string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		key:    key,
		logger: logger.With("component", "store"),
	}
}

// Enabled reports whether persistence is active for this session.
func (s *Store) Enabled() bool {
	return s.kv != nil && s.key != ""
}

// Load restores the persisted snapshot. Malformed stored data is treated as
// absence: the previous copy is dropped and the session starts fresh.
func (s *Store) Load() (session.Snapshot, bool) {
	if !s.Enabled() {
		return session.Snapshot{}, false
	}

	raw, ok := s.kv.Get(s.key)
	if !ok {
		return session.Snapshot{}, false
	}

	var snap session.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn("discarding malformed session backup", "key", s.key, "error", err)
		s.kv.Remove(s.key)
		return session.Snapshot{}, false
	}
	if snap.ConversationID == "" {
		return session.Snapshot{}, false
	}
	return snap, true
}

// Save writes the snapshot. A write failure disables backup silently and is
// surfaced only through BackupDisabled.
func (s *Store) Save(snap session.Snapshot) {
	if !s.Enabled() {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("failed to encode session backup", "key", s.key, "error", err)
		return
	}
	if err := s.kv.Set(s.key, string(data)); err != nil {
		s.mu.Lock()
		s.backupLost = true
		s.mu.Unlock()
		s.logger.Warn("session backup unavailable", "key", s.key, "error", err)
	}
}

// Drop removes the persisted copy.
func (s *Store) Drop() {
	if !s.Enabled() {
		return
	}
	s.kv.Remove(s.key)
}

// BackupDisabled reports whether a write has failed since the store was
// created. The UI uses this to warn that no backup is available.
func (s *Store) BackupDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupLost
}
