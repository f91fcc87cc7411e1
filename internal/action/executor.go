// ABOUTME: Executes server-declared actions against a consumer-registered namespace of callables.
// ABOUTME: Names are resolved by exact match only; nothing is ever evaluated as source text.

package action

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Acknowledgement substitutes for an empty reply when at least one action
// invocation succeeded.
const Acknowledgement = "*Done!*"

// KindFunction is the only action kind the executor interprets.
const KindFunction = "function"

// ErrUnknownFunction indicates an action named a callable that was never
// registered.
var ErrUnknownFunction = errors.New("unknown function")

// Action is a server-declared side effect attached to a completed reply.
type Action struct {
	Type string `json:"type"`
	Data Data   `json:"data"`
}

// Data carries the callable name and its JSON-decoded arguments.
type Data struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Func is a consumer-supplied callable.
type Func func(args map[string]any) (any, error)

// Executor resolves and invokes actions. Invocation errors are caught
// per-action and logged; they never abort the remaining actions or the reply.
type Executor struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	logger *slog.Logger
}

// NewExecutor creates an executor with an empty namespace.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		funcs:  make(map[string]Func),
		logger: logger.With("component", "action"),
	}
}

// Register adds a callable under the given name, replacing any previous
// registration.
func (e *Executor) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Unregister removes a callable.
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.funcs, name)
}

// Execute invokes each function-kind action and returns the number of
// successful invocations. Unknown names and invocation failures are logged
// and skipped.
func (e *Executor) Execute(actions []Action) int {
	calls := 0
	for _, act := range actions {
		if act.Type != KindFunction {
			continue
		}
		if err := e.invoke(act.Data); err != nil {
			e.logger.Error("action invocation failed",
				"name", act.Data.Name,
				"error", err)
			continue
		}
		calls++
	}
	return calls
}

// invoke resolves the callable by exact-match lookup and calls it.
func (e *Executor) invoke(data Data) error {
	e.mu.RLock()
	fn, ok := e.funcs[data.Name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunction, data.Name)
	}
	if _, err := fn(data.Args); err != nil {
		return err
	}
	return nil
}

// Finalize returns the visible reply content after action processing: an
// empty reply with at least one successful invocation becomes the
// acknowledgement string.
func Finalize(content string, calls int) string {
	if content == "" && calls > 0 {
		return Acknowledgement
	}
	return content
}
