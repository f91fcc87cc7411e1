// ABOUTME: Command vocabulary for driving a chat session from the embedding application.
// ABOUTME: Commands are enqueued and applied in order by a single worker.

package command

import "github.com/2389/parley/internal/session"

// Action names accepted on the queue.
const (
	ActionOpen            = "open"
	ActionClose           = "close"
	ActionToggle          = "toggle"
	ActionAsk             = "ask"
	ActionClear           = "clear"
	ActionSetContext      = "setContext"
	ActionSetShortcuts    = "setShortcuts"
	ActionSetBlocks       = "setBlocks"
	ActionAddBlock        = "addBlock"
	ActionRemoveBlockByID = "removeBlockById"
)

// Command is one queued instruction. Data is one of the *Data types below,
// or nil for actions that carry no payload.
type Command struct {
	Action string
	Data   any
}

// AskData seeds text into the session. Submit false only sets the input
// draft; true submits the text as a turn.
type AskData struct {
	Text   string
	Submit bool
}

// ClearData optionally pins the conversation ID of the fresh thread.
type ClearData struct {
	ConversationID string
}

// ContextData replaces the whole transcript.
type ContextData struct {
	ConversationID string
	Messages       []session.Message
}

// ShortcutsData replaces the shortcut list wholesale.
type ShortcutsData struct {
	Shortcuts []session.Shortcut
}

// BlocksData replaces the block list wholesale.
type BlocksData struct {
	Blocks []session.Block
}

// BlockData carries a single block for addBlock.
type BlockData struct {
	Block session.Block
}

// BlockIDData names a block for removeBlockById.
type BlockIDData struct {
	ID string
}

// Applier consumes commands in queue order.
type Applier interface {
	Apply(cmd Command)
}
