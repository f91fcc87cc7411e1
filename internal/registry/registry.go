// ABOUTME: Explicit registry of live chat session controllers, keyed by identity.
// ABOUTME: Replaces ambient global lookup: embedders ask the registry instead of reaching into engine internals.

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/session"
)

// ErrAlreadyRegistered indicates a controller with the same ID is already live.
var ErrAlreadyRegistered = errors.New("controller already registered")

// ErrNotFound indicates no controller is registered under the given ID.
var ErrNotFound = errors.New("controller not found")

// Controller is the surface an embedder drives a session through. The engine
// implements it; the registry only hands out references.
type Controller interface {
	Open()
	Close()
	Toggle()
	Ask(text string, submit bool)
	Clear()
	Lock()
	Unlock()
	SetContext(conversationID string, messages []session.Message)
	SetShortcuts(shortcuts []session.Shortcut)
	SetBlocks(blocks []session.Block)
	AddBlock(block session.Block)
	RemoveBlockByID(id string)
}

// Info describes a registered controller.
type Info struct {
	ID       string
	BotID    string
	CustomID string
}

type entry struct {
	info       Info
	controller Controller
}

// Registry tracks live controllers. The custom ID wins over the bot ID when
// both identify an instance, matching how session keys are derived.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds a controller under its identity. The registry key is the
// custom ID when set, otherwise the bot ID.
// Returns ErrAlreadyRegistered if the key is taken.
func (r *Registry) Register(info Info, c Controller) error {
	key := registryKey(info)
	if key == "" {
		return errors.New("controller has no identity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return ErrAlreadyRegistered
	}
	info.ID = key
	r.entries[key] = entry{info: info, controller: c}
	r.logger.Info("controller registered", "id", key, "total", len(r.entries))
	return nil
}

// Unregister removes a controller by its registry key.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		delete(r.entries, id)
		r.logger.Info("controller unregistered", "id", id, "total", len(r.entries))
	}
}

// Get retrieves a controller by registry key.
func (r *Registry) Get(id string) (Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.controller, nil
}

// List returns info for every registered controller.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	return infos
}

func registryKey(info Info) string {
	if info.CustomID != "" {
		return info.CustomID
	}
	return info.BotID
}
