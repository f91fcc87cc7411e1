// ABOUTME: Engine facade wiring the session machine, pipeline, store, attachments, and command queue together.
// ABOUTME: One Engine per chat instance; embedders drive it through the imperative API or the registry.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/parley/internal/action"
	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/command"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/pipeline"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// EventKind classifies engine notifications.
type EventKind int

const (
	// EventTranscript fires after any observable session mutation.
	EventTranscript EventKind = iota
	// EventError carries user-visible error text.
	EventError
	// EventOpenState fires when the widget open flag flips.
	EventOpenState
	// EventUpload fires when attachment state changes.
	EventUpload
)

// Event is delivered to OnChange listeners.
type Event struct {
	Kind    EventKind
	Message string
}

// Options configures an Engine.
type Options struct {
	BotID     string
	CustomID  string
	ContextID string
	SessionID string

	// Greeting reseeds the transcript on every clear. {KEY} placeholders are
	// substituted from UserData.
	Greeting string
	UserData map[string]string

	Streaming bool

	Service  pipeline.Service
	Starter  auth.SessionStarter
	Uploader attachment.Uploader
	KV       store.KV
	Registry *registry.Registry

	// Functions is the callable namespace available to reply actions.
	Functions map[string]action.Func

	// Applied once at startup, before hydration takes effect on them.
	InitialShortcuts []session.Shortcut
	InitialBlocks    []session.Block
	InitialActions   []action.Action

	// Dupes, when set, suppresses submits reusing an idempotency key.
	Dupes *dedupe.Cache

	Logger *slog.Logger
}

// Engine owns one chat session end to end.
type Engine struct {
	machine     *session.Machine
	pipeline    *pipeline.Pipeline
	queue       *command.Queue
	store       *store.Store
	attachments *attachment.Manager
	actions     *action.Executor
	tokens      *auth.Provider
	uploader    attachment.Uploader
	reg         *registry.Registry
	regKey      string
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	open bool

	listenerMu sync.Mutex
	listeners  []func(Event)
}

// New builds and starts an engine. The returned engine is already hydrated
// from the store and registered in the registry (when one is supplied).
func New(opts Options) (*Engine, error) {
	if opts.Service == nil {
		return nil, errors.New("engine: reply service is required")
	}
	if opts.Starter == nil {
		return nil, errors.New("engine: session starter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	greeting := expandPlaceholders(opts.Greeting, opts.UserData)

	e := &Engine{
		machine:     session.NewMachine(greeting, logger),
		attachments: attachment.NewManager(logger),
		actions:     action.NewExecutor(logger),
		tokens:      auth.NewProvider(opts.Starter, logger),
		uploader:    opts.Uploader,
		logger:      logger.With("component", "engine"),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for name, fn := range opts.Functions {
		e.actions.Register(name, fn)
	}

	key := store.DeriveKey(opts.CustomID, opts.BotID)
	e.store = store.New(opts.KV, key, logger)
	if snap, ok := e.store.Load(); ok {
		e.machine.Hydrate(snap.ConversationID, snap.Messages)
	}

	e.machine.SetHooks(e.store.Save, func() { e.emit(Event{Kind: EventTranscript}) })

	if len(opts.InitialShortcuts) > 0 {
		e.machine.SetShortcuts(opts.InitialShortcuts)
	}
	if len(opts.InitialBlocks) > 0 {
		e.machine.SetBlocks(opts.InitialBlocks)
	}
	if len(opts.InitialActions) > 0 {
		e.actions.Execute(opts.InitialActions)
	}

	e.pipeline = pipeline.New(pipeline.Config{
		Machine:     e.machine,
		Service:     opts.Service,
		Tokens:      e.tokens,
		Attachments: e.attachments,
		Actions:     e.actions,
		Dupes:       opts.Dupes,
		Identity: pipeline.Identity{
			SessionID: opts.SessionID,
			BotID:     opts.BotID,
			CustomID:  opts.CustomID,
			ContextID: opts.ContextID,
		},
		Streaming: opts.Streaming,
		Logger:    logger,
		OnError: func(message string) {
			e.emit(Event{Kind: EventError, Message: message})
		},
	})

	e.queue = command.NewQueue(e, logger)

	if opts.Registry != nil {
		info := registry.Info{BotID: opts.BotID, CustomID: opts.CustomID}
		if err := opts.Registry.Register(info, e); err != nil {
			e.queue.Close()
			e.cancel()
			return nil, fmt.Errorf("engine: register: %w", err)
		}
		e.reg = opts.Registry
		if opts.CustomID != "" {
			e.regKey = opts.CustomID
		} else {
			e.regKey = opts.BotID
		}
	}

	return e, nil
}

// Shutdown stops the command worker, cancels any in-flight turn, and removes
// the engine from the registry. Safe to call once.
func (e *Engine) Shutdown() {
	e.queue.Close()
	e.cancel()
	e.wg.Wait()
	if e.reg != nil {
		e.reg.Unregister(e.regKey)
	}
}

// OnChange registers a listener for engine events. Listeners must not block;
// they run on engine goroutines.
func (e *Engine) OnChange(fn func(Event)) {
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenerMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.listenerMu.Lock()
	listeners := make([]func(Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Open, Close, Toggle, Ask, Clear, SetContext, SetShortcuts, SetBlocks,
// AddBlock, and RemoveBlockByID all go through the command queue and return
// immediately. Lock, Unlock, and the read accessors act directly.

func (e *Engine) Open()  { e.queue.Enqueue(command.Command{Action: command.ActionOpen}) }
func (e *Engine) Close() { e.queue.Enqueue(command.Command{Action: command.ActionClose}) }
func (e *Engine) Toggle() { e.queue.Enqueue(command.Command{Action: command.ActionToggle}) }

// Ask seeds text into the session. With submit false only the input draft is
// set; with submit true the text is sent as a turn.
func (e *Engine) Ask(text string, submit bool) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionAsk,
		Data:   command.AskData{Text: text, Submit: submit},
	})
}

// Clear starts a fresh conversation and drops the persisted copy.
func (e *Engine) Clear() {
	e.queue.Enqueue(command.Command{Action: command.ActionClear, Data: command.ClearData{}})
}

// ClearTo is Clear with a caller-chosen conversation ID.
func (e *Engine) ClearTo(conversationID string) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionClear,
		Data:   command.ClearData{ConversationID: conversationID},
	})
}

// SetContext replaces the transcript wholesale without persisting it.
func (e *Engine) SetContext(conversationID string, messages []session.Message) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionSetContext,
		Data:   command.ContextData{ConversationID: conversationID, Messages: messages},
	})
}

func (e *Engine) SetShortcuts(shortcuts []session.Shortcut) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionSetShortcuts,
		Data:   command.ShortcutsData{Shortcuts: shortcuts},
	})
}

func (e *Engine) SetBlocks(blocks []session.Block) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionSetBlocks,
		Data:   command.BlocksData{Blocks: blocks},
	})
}

func (e *Engine) AddBlock(block session.Block) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionAddBlock,
		Data:   command.BlockData{Block: block},
	})
}

func (e *Engine) RemoveBlockByID(id string) {
	e.queue.Enqueue(command.Command{
		Action: command.ActionRemoveBlockByID,
		Data:   command.BlockIDData{ID: id},
	})
}

// Lock rejects submits until Unlock. Applied immediately, not queued, so a
// host can fence off the session before draining other commands.
func (e *Engine) Lock() { e.machine.SetLocked(true) }
func (e *Engine) Unlock() { e.machine.SetLocked(false) }

// Read accessors. All return copies.

func (e *Engine) Snapshot() session.Snapshot        { return e.machine.Snapshot() }
func (e *Engine) ConversationID() string            { return e.machine.ConversationID() }
func (e *Engine) Busy() bool                        { return e.machine.Busy() }
func (e *Engine) Locked() bool                      { return e.machine.Locked() }
func (e *Engine) Draft() string                     { return e.machine.Draft() }
func (e *Engine) GetBlocks() []session.Block        { return e.machine.Blocks() }
func (e *Engine) Shortcuts() []session.Shortcut     { return e.machine.Shortcuts() }
func (e *Engine) Attachment() attachment.Attachment { return e.attachments.Current() }

// IsOpen reports the widget open flag.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// BackupDisabled reports whether a persistence write failed this session.
func (e *Engine) BackupDisabled() bool { return e.store.BackupDisabled() }

// RegisterFunction adds a callable to the action namespace.
func (e *Engine) RegisterFunction(name string, fn action.Func) {
	e.actions.Register(name, fn)
}

// UploadFile uploads one file and tracks it as the session attachment.
// A second upload supersedes the first; late callbacks from the superseded
// upload are discarded. Blocks until the upload finishes.
func (e *Engine) UploadFile(ctx context.Context, file attachment.File) error {
	if e.uploader == nil {
		return errors.New("engine: no uploader configured")
	}

	gen := e.attachments.Begin(file.Name, file.MimeType)
	e.emit(Event{Kind: EventUpload})

	kind := "document"
	if strings.HasPrefix(file.MimeType, "image") {
		kind = "image"
	}
	result, err := e.uploader.Upload(ctx, file, kind, "chat-upload", func(ratio float64) {
		if e.attachments.Progress(gen, ratio) {
			e.emit(Event{Kind: EventUpload})
		}
	})
	if err != nil {
		if e.attachments.Fail(gen) {
			e.emit(Event{Kind: EventError, Message: "Upload failed. Please try again."})
		}
		return fmt.Errorf("upload %s: %w", file.Name, err)
	}

	if !e.attachments.Complete(gen, result.RemoteID, result.RemoteURL) {
		// Superseded while in flight; the newer upload owns the slot.
		return nil
	}
	e.emit(Event{Kind: EventUpload})
	return nil
}

// Apply executes one queued command. Called only by the queue worker.
func (e *Engine) Apply(cmd command.Command) {
	switch cmd.Action {
	case command.ActionOpen:
		e.setOpen(true)
	case command.ActionClose:
		e.setOpen(false)
	case command.ActionToggle:
		e.mu.Lock()
		e.open = !e.open
		e.mu.Unlock()
		e.emit(Event{Kind: EventOpenState})

	case command.ActionAsk:
		data, ok := cmd.Data.(command.AskData)
		if !ok {
			e.logger.Warn("ask command with wrong payload type")
			return
		}
		if !data.Submit {
			e.machine.SetDraft(data.Text)
			return
		}
		// The turn runs off-queue so later commands are not starved by the
		// network call. The busy flag still rejects overlapping submits.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.pipeline.Submit(e.ctx, data.Text); err != nil {
				e.logger.Debug("submit rejected", "error", err)
			}
		}()

	case command.ActionClear:
		data, _ := cmd.Data.(command.ClearData)
		e.store.Drop()
		e.attachments.Reset()
		e.machine.Clear(data.ConversationID)

	case command.ActionSetContext:
		data, ok := cmd.Data.(command.ContextData)
		if !ok {
			e.logger.Warn("setContext command with wrong payload type")
			return
		}
		e.machine.SetContext(data.ConversationID, data.Messages)

	case command.ActionSetShortcuts:
		data, _ := cmd.Data.(command.ShortcutsData)
		e.machine.SetShortcuts(data.Shortcuts)

	case command.ActionSetBlocks:
		data, _ := cmd.Data.(command.BlocksData)
		e.machine.SetBlocks(data.Blocks)

	case command.ActionAddBlock:
		data, ok := cmd.Data.(command.BlockData)
		if !ok {
			e.logger.Warn("addBlock command with wrong payload type")
			return
		}
		e.machine.AddBlock(data.Block)

	case command.ActionRemoveBlockByID:
		data, _ := cmd.Data.(command.BlockIDData)
		e.machine.RemoveBlockByID(data.ID)

	default:
		e.logger.Warn("unknown command", "action", cmd.Action)
	}
}

func (e *Engine) setOpen(open bool) {
	e.mu.Lock()
	changed := e.open != open
	e.open = open
	e.mu.Unlock()
	if changed {
		e.emit(Event{Kind: EventOpenState})
	}
}

// expandPlaceholders substitutes {KEY} markers from the user data map.
func expandPlaceholders(text string, data map[string]string) string {
	if text == "" || len(data) == 0 {
		return text
	}
	for key, value := range data {
		text = strings.ReplaceAll(text, "{"+key+"}", value)
	}
	return text
}
