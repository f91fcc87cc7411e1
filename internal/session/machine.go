// ABOUTME: Conversation state machine owning the transcript, busy/locked flags and streaming accrual.
// ABOUTME: All mutations go through one mutex; in-flight results are matched by placeholder ID, never by position.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Submission guard errors. These are the only errors that escape the machine.
var (
	ErrBusy   = errors.New("a request is already in progress")
	ErrLocked = errors.New("session is locked")
)

// Reply carries the finalized payload of a successful turn.
type Reply struct {
	Content   string
	Images    []Image
	Shortcuts []Shortcut
	Blocks    []Block
}

// Machine owns a single conversation session. It serializes every mutation
// behind one mutex, which models the single logical thread the transcript
// lives on. Asynchronous collaborators (the request pipeline, the command
// queue, upload callbacks) interleave only between method calls.
type Machine struct {
	mu             sync.Mutex
	conversationID string
	messages       []Message
	busy           bool
	locked         bool
	inputDraft     string
	shortcuts      []Shortcut
	blocks         []Block
	greeting       string
	logger         *slog.Logger

	// onSave receives a snapshot after every transition that changes the
	// durable transcript. onChange fires after any observable mutation.
	// Both are invoked outside the lock.
	onSave   func(Snapshot)
	onChange func()
}

// NewMachine creates a session machine. A non-empty greeting reseeds the
// transcript as an assistant message on every reset.
func NewMachine(greeting string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		conversationID: uuid.New().String(),
		greeting:       greeting,
		logger:         logger.With("component", "session"),
	}
	m.seedGreetingLocked()
	return m
}

// SetHooks installs the persistence and change callbacks. Must be called
// before the machine is shared between goroutines.
func (m *Machine) SetHooks(onSave func(Snapshot), onChange func()) {
	m.onSave = onSave
	m.onChange = onChange
}

// seedGreetingLocked resets the transcript to the configured greeting, or to
// empty when none is configured.
func (m *Machine) seedGreetingLocked() {
	if m.greeting == "" {
		m.messages = nil
		return
	}
	greeting := newFinalized(RoleAssistant, m.greeting)
	m.messages = []Message{greeting}
}

// Hydrate adopts a previously persisted session. It does not fire the save
// hook; the data just came from the store.
func (m *Machine) Hydrate(conversationID string, messages []Message) {
	m.mu.Lock()
	if conversationID != "" {
		m.conversationID = conversationID
	}
	m.messages = append([]Message(nil), messages...)
	m.mu.Unlock()
	m.notifyChange()
}

// ConversationID returns the current logical thread identity.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Busy reports whether a submit is outstanding.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// Locked reports whether new submissions are externally forbidden.
func (m *Machine) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// SetLocked flips the external submission lock.
func (m *Machine) SetLocked(locked bool) {
	m.mu.Lock()
	m.locked = locked
	m.mu.Unlock()
	m.notifyChange()
}

// Draft returns the not-yet-submitted user text.
func (m *Machine) Draft() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputDraft
}

// SetDraft replaces the input draft.
func (m *Machine) SetDraft(text string) {
	m.mu.Lock()
	m.inputDraft = text
	m.mu.Unlock()
	m.notifyChange()
}

// Shortcuts returns the shortcuts attached by the last reply.
func (m *Machine) Shortcuts() []Shortcut {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Shortcut(nil), m.shortcuts...)
}

// SetShortcuts replaces the shortcut list wholesale.
func (m *Machine) SetShortcuts(shortcuts []Shortcut) {
	m.mu.Lock()
	m.shortcuts = append([]Shortcut(nil), shortcuts...)
	m.mu.Unlock()
	m.notifyChange()
}

// Blocks returns the current block list.
func (m *Machine) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Block(nil), m.blocks...)
}

// SetBlocks replaces the block list wholesale.
func (m *Machine) SetBlocks(blocks []Block) {
	m.mu.Lock()
	m.blocks = append([]Block(nil), blocks...)
	m.mu.Unlock()
	m.notifyChange()
}

// AddBlock appends a block.
func (m *Machine) AddBlock(block Block) {
	m.mu.Lock()
	m.blocks = append(m.blocks, block)
	m.mu.Unlock()
	m.notifyChange()
}

// RemoveBlockByID removes the block with the given identity, if present.
func (m *Machine) RemoveBlockByID(id string) {
	m.mu.Lock()
	kept := m.blocks[:0]
	for _, b := range m.blocks {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	m.blocks = kept
	m.mu.Unlock()
	m.notifyChange()
}

// Snapshot returns a copy of the conversation identity and transcript.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(len(m.messages))
}

func (m *Machine) snapshotLocked(n int) Snapshot {
	return Snapshot{
		ConversationID: m.conversationID,
		Messages:       append([]Message(nil), m.messages[:n]...),
	}
}

// Clear resets the session: a fresh conversation ID (or the supplied one),
// the greeting-only transcript, and empty draft/shortcuts/blocks. The caller
// is responsible for dropping the persisted copy.
func (m *Machine) Clear(conversationID string) string {
	m.mu.Lock()
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	m.conversationID = conversationID
	m.seedGreetingLocked()
	m.inputDraft = ""
	m.shortcuts = nil
	m.blocks = nil
	m.mu.Unlock()
	m.notifyChange()
	return conversationID
}

// SetContext replaces the conversation identity and transcript wholesale.
// Used to hydrate an externally supplied transcript. Any in-flight reply for
// the previous transcript is discarded when it lands, because its placeholder
// ID no longer resolves.
func (m *Machine) SetContext(conversationID string, messages []Message) {
	m.mu.Lock()
	if conversationID != "" {
		m.conversationID = conversationID
	}
	m.messages = append([]Message(nil), messages...)
	m.mu.Unlock()
	m.notifyChange()
}

// BeginTurn appends a finalized user message and an in-flight assistant
// placeholder, marks the session busy, and clears the transient state the
// submit consumes (draft, shortcuts, blocks). It returns the placeholder ID
// and a snapshot of the transcript as it was before this turn, which is what
// the outgoing request carries as history.
//
// Rejected outright with ErrBusy or ErrLocked; rejection changes no state.
func (m *Machine) BeginTurn(displayText string, streaming bool) (placeholderID string, history []Message, err error) {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		m.logger.Warn("submit rejected, request already in progress")
		return "", nil, ErrBusy
	}
	if m.locked {
		m.mu.Unlock()
		m.logger.Warn("submit rejected, session locked")
		return "", nil, ErrLocked
	}

	history = append([]Message(nil), m.messages...)

	userTurn := newFinalized(RoleUser, displayText)
	placeholder := newPlaceholder(streaming)
	m.messages = append(m.messages, userTurn, placeholder)
	m.busy = true
	m.inputDraft = ""
	m.shortcuts = nil
	m.blocks = nil

	// Persist the user turn but not the placeholder; a pending reply is
	// never durable.
	snap := m.snapshotLocked(len(m.messages) - 1)
	m.mu.Unlock()

	m.notifySave(snap)
	m.notifyChange()
	return placeholder.ID, history, nil
}

// StreamChunk replaces the placeholder content with the accumulated text so
// far and refreshes its timestamp. Chunks are applied in arrival order. A
// chunk whose placeholder is gone (cleared or replaced transcript) is a no-op.
func (m *Machine) StreamChunk(placeholderID, content string) bool {
	m.mu.Lock()
	idx := m.placeholderIndexLocked(placeholderID)
	if idx < 0 || !m.messages[idx].IsStreaming {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	m.messages[idx].Content = &content
	m.messages[idx].Timestamp = &now
	m.mu.Unlock()
	m.notifyChange()
	return true
}

// CompleteSuccess finalizes the placeholder with the reply payload, clears
// its transient flag, replaces shortcuts and blocks wholesale, and leaves the
// session idle. When the placeholder no longer exists the reply is discarded;
// busy is cleared either way.
func (m *Machine) CompleteSuccess(placeholderID string, reply Reply) bool {
	m.mu.Lock()
	m.busy = false
	idx := m.placeholderIndexLocked(placeholderID)
	if idx < 0 {
		m.mu.Unlock()
		m.logger.Debug("reply discarded, placeholder gone", "placeholder_id", placeholderID)
		m.notifyChange()
		return false
	}

	now := time.Now()
	msg := &m.messages[idx]
	msg.Content = &reply.Content
	msg.Timestamp = &now
	msg.Images = reply.Images
	msg.IsQuerying = false
	msg.IsStreaming = false
	m.shortcuts = append([]Shortcut(nil), reply.Shortcuts...)
	m.blocks = append([]Block(nil), reply.Blocks...)

	snap := m.snapshotLocked(len(m.messages))
	m.mu.Unlock()

	m.notifySave(snap)
	m.notifyChange()
	return true
}

// CompleteFailure rolls back the optimistic append: the placeholder and the
// preceding user turn are removed and a system message carrying the error
// text is appended. When the placeholder no longer exists the transcript is
// left alone; busy is cleared either way.
func (m *Machine) CompleteFailure(placeholderID, errText string) bool {
	m.mu.Lock()
	m.busy = false
	idx := m.placeholderIndexLocked(placeholderID)
	if idx < 0 {
		m.mu.Unlock()
		m.logger.Debug("failure discarded, placeholder gone", "placeholder_id", placeholderID)
		m.notifyChange()
		return false
	}

	m.messages = m.messages[:idx]
	if n := len(m.messages); n > 0 && m.messages[n-1].Role == RoleUser {
		m.messages = m.messages[:n-1]
	}
	m.messages = append(m.messages, newFinalized(RoleSystem, errText))

	snap := m.snapshotLocked(len(m.messages))
	m.mu.Unlock()

	m.notifySave(snap)
	m.notifyChange()
	return true
}

// TransportError clears busy without touching the transcript. The placeholder
// stays visibly pending; hosts observe the condition through the change hook
// and the engine's error event.
func (m *Machine) TransportError() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
	m.notifyChange()
}

// placeholderIndexLocked resolves a placeholder by identity. A live
// placeholder is always the last element, so only that position is checked.
func (m *Machine) placeholderIndexLocked(placeholderID string) int {
	n := len(m.messages)
	if n == 0 {
		return -1
	}
	last := &m.messages[n-1]
	if last.ID == placeholderID && last.Pending() {
		return n - 1
	}
	return -1
}

func (m *Machine) notifySave(snap Snapshot) {
	if m.onSave != nil {
		m.onSave(snap)
	}
}

func (m *Machine) notifyChange() {
	if m.onChange != nil {
		m.onChange()
	}
}
