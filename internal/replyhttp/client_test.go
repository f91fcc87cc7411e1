// ABOUTME: Tests for the HTTP reply-service client against httptest servers.

package replyhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/pipeline"
)

func TestStartSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/start_session", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	token, err := c.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestStartSessionEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.StartSession(context.Background())
	assert.Error(t, err)
}

func TestSubmitTurnBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chats/submit", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req pipeline.TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.NewTurn)

		json.NewEncoder(w).Encode(pipeline.TurnResult{Success: true, Reply: "Hi!"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	events, err := c.SubmitTurn(context.Background(), "tok", &pipeline.TurnRequest{NewTurn: "Hello"})
	require.NoError(t, err)

	ev := <-events
	require.NotNil(t, ev)
	assert.Equal(t, pipeline.EventResult, ev.Kind)
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.Success)
	assert.Equal(t, "Hi!", ev.Result.Reply)

	_, open := <-events
	assert.False(t, open)
}

func TestSubmitTurnStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, content := range []string{"H", "He", "Hello"} {
			fmt.Fprintf(w, "event: chunk\ndata: {\"content\":%q}\n\n", content)
			flusher.Flush()
		}
		fmt.Fprintf(w, "event: result\ndata: {\"success\":true,\"reply\":\"Hello!\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	events, err := c.SubmitTurn(context.Background(), "tok", &pipeline.TurnRequest{NewTurn: "Hi", Streaming: true})
	require.NoError(t, err)

	var chunks []string
	var result *pipeline.TurnResult
	for ev := range events {
		switch ev.Kind {
		case pipeline.EventChunk:
			chunks = append(chunks, ev.Content)
		case pipeline.EventResult:
			result = ev.Result
		}
	}

	assert.Equal(t, []string{"H", "He", "Hello"}, chunks)
	require.NotNil(t, result)
	assert.Equal(t, "Hello!", result.Reply)
}

func TestSubmitTurnServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"message": "Quota exceeded."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.SubmitTurn(context.Background(), "tok", &pipeline.TurnRequest{NewTurn: "Hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Quota exceeded.")
}

func TestSubmitTurnIgnoresUnknownEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "event: result\ndata: {\"success\":true,\"reply\":\"ok\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	events, err := c.SubmitTurn(context.Background(), "tok", &pipeline.TurnRequest{Streaming: true})
	require.NoError(t, err)

	var kinds []pipeline.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []pipeline.EventKind{pipeline.EventResult}, kinds)
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "image", r.FormValue("type"))
		assert.Equal(t, "chat-upload", r.FormValue("purpose"))

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "cat.png", header.Filename)

		json.NewEncoder(w).Encode(map[string]string{"id": "file-1", "url": "https://cdn.example/cat.png"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	var last float64
	result, err := c.Upload(context.Background(), attachment.File{
		Name:     "cat.png",
		MimeType: "image/png",
		Reader:   strings.NewReader("png-bytes"),
	}, "image", "chat-upload", func(ratio float64) { last = ratio })

	require.NoError(t, err)
	assert.Equal(t, "file-1", result.RemoteID)
	assert.Equal(t, "https://cdn.example/cat.png", result.RemoteURL)
	assert.InDelta(t, 1.0, last, 0.001)
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(map[string]string{"message": "File too large."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.Upload(context.Background(), attachment.File{
		Name:   "huge.bin",
		Reader: strings.NewReader("data"),
	}, "document", "chat-upload", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "File too large.")
}
