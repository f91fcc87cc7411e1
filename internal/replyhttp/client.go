// ABOUTME: HTTP implementation of the reply-service, session-starter, and uploader boundaries.
// ABOUTME: JSON POST for buffered turns, SSE for streamed turns, multipart for uploads.

package replyhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/pipeline"
)

// Client talks to a parley-compatible reply service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A nil httpClient falls back to
// http.DefaultClient; pass one with a Timeout to bound buffered turns.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "replyhttp"),
	}
}

// StartSession obtains a fresh auth token. Implements auth.SessionStarter.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/start_session", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.errorFromResponse(resp)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("session response carried no token")
	}
	return payload.Token, nil
}

// SubmitTurn sends one turn. Implements pipeline.Service. A streaming request
// negotiates SSE; anything else is a single JSON result. The returned channel
// closes once the turn is over.
func (c *Client) SubmitTurn(ctx context.Context, token string, req *pipeline.TurnRequest) (<-chan *pipeline.TurnEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chats/submit", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submitting turn: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}

	events := make(chan *pipeline.TurnEvent, 16)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		go c.streamEvents(ctx, resp.Body, events)
		return events, nil
	}

	// Buffered mode: the whole turn is one JSON result.
	defer resp.Body.Close()
	defer close(events)
	var result pipeline.TurnResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding turn result: %w", err)
	}
	events <- &pipeline.TurnEvent{Kind: pipeline.EventResult, Result: &result}
	return events, nil
}

type chunkData struct {
	Content string `json:"content"`
}

// streamEvents parses the SSE body into turn events. Empty line ends an
// event; "chunk" carries the accumulated content, "result" ends the turn.
func (c *Client) streamEvents(ctx context.Context, body io.ReadCloser, events chan<- *pipeline.TurnEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				c.dispatch(ctx, eventType, strings.Join(dataLines, "\n"), events)
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("reading SSE stream", "error", err)
	}
}

func (c *Client) dispatch(ctx context.Context, eventType, data string, events chan<- *pipeline.TurnEvent) {
	var ev *pipeline.TurnEvent

	switch eventType {
	case "chunk":
		var chunk chunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("malformed chunk event", "error", err)
			return
		}
		ev = &pipeline.TurnEvent{Kind: pipeline.EventChunk, Content: chunk.Content}

	case "result":
		var result pipeline.TurnResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			c.logger.Warn("malformed result event", "error", err)
			return
		}
		ev = &pipeline.TurnEvent{Kind: pipeline.EventResult, Result: &result}

	default:
		c.logger.Debug("ignoring unknown SSE event", "event", eventType)
		return
	}

	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// Upload sends one file as multipart form data. Implements
// attachment.Uploader. Progress reflects request-body bytes written.
func (c *Client) Upload(ctx context.Context, file attachment.File, kind, purpose string, onProgress func(float64)) (*attachment.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("type", kind); err != nil {
		return nil, fmt.Errorf("writing form field: %w", err)
	}
	if err := mw.WriteField("purpose", purpose); err != nil {
		return nil, fmt.Errorf("writing form field: %w", err)
	}
	part, err := mw.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, file.Reader); err != nil {
		return nil, fmt.Errorf("reading %s: %w", file.Name, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing form: %w", err)
	}

	reader := &progressReader{
		r:          bytes.NewReader(buf.Bytes()),
		total:      int64(buf.Len()),
		onProgress: onProgress,
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files/upload", reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.ContentLength = reader.total

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", file.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &attachment.UploadResult{RemoteID: payload.ID, RemoteURL: payload.URL}, nil
}

// errorFromResponse extracts a message from a non-200 response.
func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return fmt.Errorf("service error (%d): %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// progressReader reports the fraction of the body consumed by the transport.
type progressReader struct {
	r          io.Reader
	total      int64
	sent       int64
	onProgress func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.onProgress != nil && p.total > 0 {
		p.onProgress(float64(p.sent) / float64(p.total))
	}
	return n, err
}
