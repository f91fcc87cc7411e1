// ABOUTME: Tests for the request pipeline covering success, failure, and transport-error routing.
// ABOUTME: Uses a scripted in-memory Service; no network involved.

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/action"
	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/session"
)

// scriptedService replays a canned event sequence and records requests.
type scriptedService struct {
	mu       sync.Mutex
	requests []*TurnRequest
	events   []*TurnEvent
	err      error
	// block, when non-nil, is closed by the test to release SubmitTurn.
	block chan struct{}
	// holdOpen keeps the event channel open after the scripted events until
	// the context is cancelled.
	holdOpen bool
}

func (s *scriptedService) SubmitTurn(ctx context.Context, token string, req *TurnRequest) (<-chan *TurnEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *TurnEvent)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.holdOpen {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (s *scriptedService) lastRequest() *TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

type staticTokens struct {
	token string
	err   error
}

func (t *staticTokens) Token(ctx context.Context) (string, error) {
	return t.token, t.err
}

func success(reply string) *TurnEvent {
	return &TurnEvent{Kind: EventResult, Result: &TurnResult{Success: true, Reply: reply}}
}

func chunk(content string) *TurnEvent {
	return &TurnEvent{Kind: EventChunk, Content: content}
}

type fixture struct {
	machine     *session.Machine
	service     *scriptedService
	tokens      *staticTokens
	attachments *attachment.Manager
	actions     *action.Executor
	errors      []string
	mu          sync.Mutex
}

func newFixture(t *testing.T, service *scriptedService) (*Pipeline, *fixture) {
	t.Helper()
	f := &fixture{
		machine:     session.NewMachine("", nil),
		service:     service,
		tokens:      &staticTokens{token: "tok"},
		attachments: attachment.NewManager(nil),
		actions:     action.NewExecutor(nil),
	}
	p := New(Config{
		Machine:     f.machine,
		Service:     f.service,
		Tokens:      f.tokens,
		Attachments: f.attachments,
		Actions:     f.actions,
		Identity:    Identity{BotID: "bot-1"},
		Streaming:   true,
		OnError: func(message string) {
			f.mu.Lock()
			f.errors = append(f.errors, message)
			f.mu.Unlock()
		},
	})
	return p, f
}

func TestSubmitSuccess(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("Hi there.")}}
	p, f := newFixture(t, svc)

	err := p.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Text())
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there.", msgs[1].Text())
	assert.False(t, msgs[1].Pending())
	assert.False(t, f.machine.Busy())

	req := svc.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "Hello", req.NewTurn)
	assert.Equal(t, "bot-1", req.BotID)
	assert.Empty(t, req.History)
	assert.True(t, req.Streaming)
}

func TestSubmitStreamingChunks(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{
		chunk("H"), chunk("He"), chunk("Hello"),
		success("Hello!"),
	}}
	p, f := newFixture(t, svc)

	var contents []string
	f.machine.SetHooks(nil, func() {
		msgs := f.machine.Snapshot().Messages
		if n := len(msgs); n > 0 && msgs[n-1].IsStreaming {
			contents = append(contents, msgs[n-1].Text())
		}
	})

	require.NoError(t, p.Submit(context.Background(), "Hi"))

	// Each chunk replaced the placeholder content wholesale.
	assert.Equal(t, []string{"H", "He", "Hello"}, contents)
	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello!", msgs[1].Text())
}

func TestSubmitStructuredFailureRollsBack(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{
		{Kind: EventResult, Result: &TurnResult{Success: false, Message: "Quota exceeded."}},
	}}
	p, f := newFixture(t, svc)

	require.NoError(t, p.Submit(context.Background(), "Hello"))

	// User turn and placeholder are gone, replaced by a system notice.
	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	assert.Equal(t, "Quota exceeded.", msgs[0].Text())
	assert.False(t, f.machine.Busy())
	assert.Equal(t, []string{"Quota exceeded."}, f.errors)
}

func TestSubmitTransportErrorKeepsTranscript(t *testing.T) {
	svc := &scriptedService{err: errors.New("connection refused")}
	p, f := newFixture(t, svc)

	require.NoError(t, p.Submit(context.Background(), "Hello"))

	// The optimistic append survives; only the busy flag is cleared.
	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.True(t, msgs[1].Pending())
	assert.False(t, f.machine.Busy())
}

func TestSubmitStreamEndsWithoutResult(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{chunk("partial")}}
	p, f := newFixture(t, svc)

	require.NoError(t, p.Submit(context.Background(), "Hello"))

	assert.False(t, f.machine.Busy())
	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Pending())
	assert.Equal(t, "partial", msgs[1].Text())
}

func TestSubmitTokenFailure(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("unused")}}
	p, f := newFixture(t, svc)
	f.tokens.err = errors.New("session service down")

	require.NoError(t, p.Submit(context.Background(), "Hello"))

	assert.False(t, f.machine.Busy())
	assert.Nil(t, svc.lastRequest())
}

func TestSubmitWhileBusyRejected(t *testing.T) {
	svc := &scriptedService{block: make(chan struct{}), events: []*TurnEvent{success("done")}}
	p, f := newFixture(t, svc)

	done := make(chan error, 1)
	go func() { done <- p.Submit(context.Background(), "first") }()

	require.Eventually(t, f.machine.Busy, time.Second, 5*time.Millisecond)

	err := p.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, session.ErrBusy)

	close(svc.block)
	require.NoError(t, <-done)
	assert.False(t, f.machine.Busy())
}

func TestSubmitEmptyRejected(t *testing.T) {
	svc := &scriptedService{}
	p, _ := newFixture(t, svc)

	err := p.Submit(context.Background(), "")
	assert.ErrorIs(t, err, ErrNothingToSubmit)
	assert.Nil(t, svc.lastRequest())
}

func TestSubmitFallsBackToDraft(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("ok")}}
	p, f := newFixture(t, svc)
	f.machine.SetDraft("drafted question")

	require.NoError(t, p.Submit(context.Background(), ""))

	req := svc.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "drafted question", req.NewTurn)
	assert.Empty(t, f.machine.Draft())
}

func TestSubmitDuplicateSuppressed(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("ok")}}
	p, f := newFixture(t, svc)
	cache := dedupe.New(time.Minute, 16)
	p.dupes = cache

	require.NoError(t, p.SubmitTagged(context.Background(), "Hello", "key-1"))
	err := p.SubmitTagged(context.Background(), "Hello", "key-1")
	assert.ErrorIs(t, err, ErrDuplicateSubmit)

	svc.mu.Lock()
	calls := len(svc.requests)
	svc.mu.Unlock()
	assert.Equal(t, 1, calls)
	_ = f
}

func TestSubmitDecoratesAttachment(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("nice photo")}}
	p, f := newFixture(t, svc)

	gen := f.attachments.Begin("cat.png", "image/png")
	require.True(t, f.attachments.Complete(gen, "file-9", "https://cdn.example/cat.png"))

	require.NoError(t, p.Submit(context.Background(), "What is this?"))

	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "![Uploaded Image](https://cdn.example/cat.png)\nWhat is this?", msgs[0].Text())

	req := svc.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "What is this?", req.NewTurn)
	assert.Equal(t, "file-9", req.AttachmentID)

	// Consumed by the turn.
	assert.True(t, f.attachments.Current().Empty())
}

func TestSubmitWithOnlyAttachment(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{success("received")}}
	p, f := newFixture(t, svc)

	gen := f.attachments.Begin("notes.pdf", "application/pdf")
	require.True(t, f.attachments.Complete(gen, "file-3", "https://cdn.example/notes.pdf"))

	require.NoError(t, p.Submit(context.Background(), ""))
	req := svc.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "file-3", req.AttachmentID)
	assert.Empty(t, req.NewTurn)
}

func TestSubmitExecutesActions(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{
		{Kind: EventResult, Result: &TurnResult{
			Success: true,
			Actions: []action.Action{{
				Type: action.KindFunction,
				Data: action.Data{Name: "doThing", Args: map[string]any{"x": float64(1)}},
			}},
		}},
	}}
	p, f := newFixture(t, svc)

	var got map[string]any
	f.actions.Register("doThing", func(args map[string]any) (any, error) {
		got = args
		return nil, nil
	})

	require.NoError(t, p.Submit(context.Background(), "go"))

	require.NotNil(t, got)
	assert.Equal(t, float64(1), got["x"])
	msgs := f.machine.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, action.Acknowledgement, msgs[1].Text())
}

func TestSubmitCancelledContext(t *testing.T) {
	svc := &scriptedService{events: []*TurnEvent{chunk("part")}, holdOpen: true}
	p, f := newFixture(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Submit(ctx, "Hello") }()

	require.Eventually(t, f.machine.Busy, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.False(t, f.machine.Busy())
}
