// ABOUTME: Wire types for the reply-service boundary used by the pipeline.
// ABOUTME: A Service implementation owns transport; the pipeline only sees events.

package pipeline

import (
	"context"

	"github.com/2389/parley/internal/action"
	"github.com/2389/parley/internal/session"
)

// EventKind discriminates stream events.
type EventKind int

const (
	// EventChunk carries the full assistant content accumulated so far.
	// Each chunk replaces the previous one wholesale.
	EventChunk EventKind = iota
	// EventResult is the terminal event of a turn.
	EventResult
)

// TurnEvent is one event on a turn's stream.
type TurnEvent struct {
	Kind    EventKind
	Content string
	Result  *TurnResult
}

// TurnRequest is everything the reply service needs to answer one turn.
type TurnRequest struct {
	SessionID      string            `json:"session,omitempty"`
	ConversationID string            `json:"chatId"`
	BotID          string            `json:"botId,omitempty"`
	CustomID       string            `json:"customId,omitempty"`
	ContextID      string            `json:"contextId,omitempty"`
	History        []session.Message `json:"messages"`
	NewTurn        string            `json:"newMessage"`
	AttachmentID   string            `json:"newFileId,omitempty"`
	Streaming      bool              `json:"stream"`
}

// TurnResult is the terminal payload of a turn.
type TurnResult struct {
	Success   bool               `json:"success"`
	Reply     string             `json:"reply"`
	Message   string             `json:"message,omitempty"`
	Images    []session.Image    `json:"images,omitempty"`
	Actions   []action.Action    `json:"actions,omitempty"`
	Shortcuts []session.Shortcut `json:"shortcuts,omitempty"`
	Blocks    []session.Block    `json:"blocks,omitempty"`
}

// Service answers turns. The returned channel delivers zero or more chunk
// events followed by exactly one result event, then closes. Implementations
// must close the channel on every path.
type Service interface {
	SubmitTurn(ctx context.Context, token string, req *TurnRequest) (<-chan *TurnEvent, error)
}
