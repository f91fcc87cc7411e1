// ABOUTME: Message and transcript types for a conversation session.
// ABOUTME: Placeholder messages carry a transient querying/streaming flag until finalized.

package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Image is a structured attachment returned with a reply.
type Image struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Message is one unit of the transcript. Content is nil while a reply is
// pending, and Timestamp is set only once content is finalized. At most one
// message in a transcript may have IsQuerying or IsStreaming set, and while
// set it is always the last element.
type Message struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Content     *string    `json:"content"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	IsQuerying  bool       `json:"-"`
	IsStreaming bool       `json:"-"`
	Images      []Image    `json:"images,omitempty"`
}

// Pending reports whether the message is an in-flight placeholder.
func (m *Message) Pending() bool {
	return m.IsQuerying || m.IsStreaming
}

// Text returns the message content, or "" while pending.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Shortcut is an ancillary UI affordance attached by the last reply.
// The payload is opaque to the engine.
type Shortcut struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Block is an ancillary content block attached by the last reply or injected
// by the embedding page. Blocks are addressable by ID for removal.
type Block struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Snapshot is the persistable portion of a session: the conversation identity
// and the finalized transcript.
type Snapshot struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// newFinalized builds a message whose content is already known.
func newFinalized(role Role, content string) Message {
	now := time.Now()
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   &content,
		Timestamp: &now,
	}
}

// newPlaceholder builds the optimistic assistant message inserted before the
// reply is known. Exactly one of the transient flags is set depending on the
// delivery mode.
func newPlaceholder(streaming bool) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleAssistant,
		IsQuerying:  !streaming,
		IsStreaming: streaming,
	}
}
