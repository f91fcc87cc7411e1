// ABOUTME: Tracks the single in-flight file attachment, its upload progress and remote reference.
// ABOUTME: A monotonic generation counter discards results from superseded uploads.

package attachment

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Attachment is the tracked upload state. RemoteID and RemoteURL are empty
// until the upload completes; Progress is non-nil only while uploading.
type Attachment struct {
	LocalName string
	MimeType  string
	RemoteID  string
	RemoteURL string
	Progress  *float64
}

// Ready reports whether the attachment has completed uploading.
func (a Attachment) Ready() bool {
	return a.RemoteID != ""
}

// Empty reports whether no attachment is tracked.
func (a Attachment) Empty() bool {
	return a.LocalName == "" && a.RemoteID == ""
}

// File is the local side of an upload.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// UploadResult is what the transport returns for a completed upload.
type UploadResult struct {
	RemoteID  string
	RemoteURL string
}

// Uploader is the upload transport boundary.
type Uploader interface {
	Upload(ctx context.Context, file File, kind, purpose string, onProgress func(float64)) (*UploadResult, error)
}

// Manager tracks at most one attachment. Selecting a new file while an
// earlier upload is in flight is allowed; the earlier upload's callbacks are
// identified by generation and ignored once superseded.
type Manager struct {
	mu      sync.Mutex
	gen     uint64
	current Attachment
	logger  *slog.Logger
}

// NewManager creates an empty attachment manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "attachment")}
}

// Begin starts tracking a new upload and returns its generation token.
// Any earlier in-flight upload is superseded immediately.
func (m *Manager) Begin(localName, mimeType string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	zero := 0.0
	m.current = Attachment{
		LocalName: localName,
		MimeType:  mimeType,
		Progress:  &zero,
	}
	return m.gen
}

// Progress records upload progress for the given generation. Ratios only
// move forward; a stale or regressing callback is ignored.
func (m *Manager) Progress(gen uint64, ratio float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.current.Ready() {
		return false
	}
	if m.current.Progress != nil && ratio < *m.current.Progress {
		return false
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	m.current.Progress = &ratio
	return true
}

// Complete records the remote reference for the given generation.
func (m *Manager) Complete(gen uint64, remoteID, remoteURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		m.logger.Debug("stale upload result discarded", "generation", gen)
		return false
	}
	m.current.RemoteID = remoteID
	m.current.RemoteURL = remoteURL
	m.current.Progress = nil
	return true
}

// Fail resets the attachment if the failed upload is still the current one.
func (m *Manager) Fail(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.gen++
	m.current = Attachment{}
	return true
}

// Reset drops the tracked attachment and bumps the generation so that any
// still-running upload can no longer resurrect it. Called unconditionally on
// submit and on explicit clear.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.current = Attachment{}
}

// Current returns a copy of the tracked attachment.
func (m *Manager) Current() Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.current
	if att.Progress != nil {
		p := *att.Progress
		att.Progress = &p
	}
	return att
}
