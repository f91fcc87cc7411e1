// ABOUTME: Builds outgoing turn requests, performs the reply-service call, and routes results into the state machine.
// ABOUTME: Guarantees busy=false on every exit path: success, structured failure, or transport error.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/parley/internal/action"
	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/session"
)

// Submission rejections. These are the only errors Submit returns; everything
// downstream of the optimistic append is logged and degrades per the error
// taxonomy instead of propagating.
var (
	ErrNothingToSubmit = errors.New("nothing to submit")
	ErrDuplicateSubmit = errors.New("duplicate submit suppressed")
)

// TokenSource supplies the auth token for outgoing calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Identity carries the consumer-supplied identifiers sent with every turn.
type Identity struct {
	SessionID string
	BotID     string
	CustomID  string
	ContextID string
}

// Config assembles a Pipeline.
type Config struct {
	Machine     *session.Machine
	Service     Service
	Tokens      TokenSource
	Attachments *attachment.Manager
	Actions     *action.Executor
	Dupes       *dedupe.Cache // optional
	Identity    Identity
	Streaming   bool
	Logger      *slog.Logger
	// OnError receives user-visible error text (structured failures).
	OnError func(message string)
}

// Pipeline coordinates one submit at a time against the reply service.
type Pipeline struct {
	machine     *session.Machine
	service     Service
	tokens      TokenSource
	attachments *attachment.Manager
	actions     *action.Executor
	dupes       *dedupe.Cache
	identity    Identity
	streaming   bool
	logger      *slog.Logger
	onError     func(string)
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		machine:     cfg.Machine,
		service:     cfg.Service,
		tokens:      cfg.Tokens,
		attachments: cfg.Attachments,
		actions:     cfg.Actions,
		dupes:       cfg.Dupes,
		identity:    cfg.Identity,
		streaming:   cfg.Streaming,
		logger:      logger.With("component", "pipeline"),
		onError:     cfg.OnError,
	}
}

// Submit sends one turn. With empty text the current draft is used; an empty
// turn is allowed when a completed attachment is present. The call blocks
// until the turn reaches a terminal state; when it returns, busy is false and
// the session is Idle or Error.
func (p *Pipeline) Submit(ctx context.Context, text string) error {
	return p.SubmitTagged(ctx, text, "")
}

// SubmitTagged is Submit with an optional idempotency key. A key seen
// recently suppresses the submit entirely.
func (p *Pipeline) SubmitTagged(ctx context.Context, text, idempotencyKey string) error {
	if text == "" {
		text = p.machine.Draft()
	}
	att := p.attachments.Current()
	if text == "" && !att.Ready() {
		return ErrNothingToSubmit
	}
	if idempotencyKey != "" && p.dupes != nil && p.dupes.CheckAndMark(idempotencyKey) {
		p.logger.Debug("duplicate submit ignored", "idempotency_key", idempotencyKey)
		return ErrDuplicateSubmit
	}

	placeholderID, history, err := p.machine.BeginTurn(decorate(text, att), p.streaming)
	if err != nil {
		return err
	}

	// The attachment is consumed by this turn regardless of outcome.
	p.attachments.Reset()

	token, err := p.tokens.Token(ctx)
	if err != nil {
		p.logger.Error("token refresh failed", "error", err)
		p.machine.TransportError()
		return nil
	}

	req := &TurnRequest{
		SessionID:      p.identity.SessionID,
		ConversationID: p.machine.ConversationID(),
		BotID:          p.identity.BotID,
		CustomID:       p.identity.CustomID,
		ContextID:      p.identity.ContextID,
		History:        history,
		NewTurn:        text,
		AttachmentID:   att.RemoteID,
		Streaming:      p.streaming,
	}

	events, err := p.service.SubmitTurn(ctx, token, req)
	if err != nil {
		p.logger.Error("turn submit failed", "error", err)
		p.machine.TransportError()
		return nil
	}

	p.consume(ctx, placeholderID, events)
	return nil
}

// consume applies stream events in arrival order until a terminal result or
// the stream ends. A stream that ends without a terminal result is a
// transport error.
func (p *Pipeline) consume(ctx context.Context, placeholderID string, events <-chan *TurnEvent) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Error("turn cancelled", "error", ctx.Err())
			go drain(events)
			p.machine.TransportError()
			return

		case ev, ok := <-events:
			if !ok {
				p.logger.Error("turn stream ended without a result")
				p.machine.TransportError()
				return
			}
			switch ev.Kind {
			case EventChunk:
				p.machine.StreamChunk(placeholderID, ev.Content)
			case EventResult:
				p.finish(placeholderID, ev.Result)
				go drain(events)
				return
			}
		}
	}
}

// finish applies the terminal result to the state machine.
func (p *Pipeline) finish(placeholderID string, res *TurnResult) {
	if res == nil {
		p.logger.Error("turn stream delivered an empty result")
		p.machine.TransportError()
		return
	}

	if !res.Success {
		message := res.Message
		if message == "" {
			message = "The request could not be completed."
		}
		p.machine.CompleteFailure(placeholderID, message)
		if p.onError != nil {
			p.onError(message)
		}
		return
	}

	calls := p.actions.Execute(res.Actions)
	p.machine.CompleteSuccess(placeholderID, session.Reply{
		Content:   action.Finalize(res.Reply, calls),
		Images:    res.Images,
		Shortcuts: res.Shortcuts,
		Blocks:    res.Blocks,
	})
}

// decorate prepends the uploaded file reference to the visible user turn.
// The raw text still travels to the service undecorated.
func decorate(text string, att attachment.Attachment) string {
	if !att.Ready() {
		return text
	}
	if strings.HasPrefix(att.MimeType, "image") {
		return fmt.Sprintf("![Uploaded Image](%s)\n%s", att.RemoteURL, text)
	}
	return fmt.Sprintf("[Uploaded File](%s)\n%s", att.RemoteURL, text)
}

// drain keeps a finished stream from blocking its sender.
func drain(events <-chan *TurnEvent) {
	for range events {
	}
}
