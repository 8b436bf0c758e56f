// Package upload implements the attachment upload pipeline: validate
// before touching the network, upload out-of-band over the pull channel,
// and track the in-flight handle until the push-channel file_shared
// confirmation makes the attachment visible in the timeline. The handle
// itself never feeds the timeline; that decoupling is what prevents a
// slow push delivery from producing a visible duplicate.
package upload

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/handoff-chat/handoff/internal/api"
	"github.com/handoff-chat/handoff/internal/chat"
)

const (
	// MaxFileSize is the hard size limit checked before any network call.
	MaxFileSize = 25 << 20 // 25 MiB

	// completedGrace is how long a completed handle stays visible before
	// eviction.
	completedGrace = 3 * time.Second
)

// allowedMimeTypes is the attachment allow-list: images, PDF, Office
// documents, plain text and CSV.
var allowedMimeTypes = map[string]struct{}{
	"image/png":     {},
	"image/jpeg":    {},
	"image/gif":     {},
	"image/webp":    {},
	"application/pdf": {},
	"application/msword":            {},
	"application/vnd.ms-excel":      {},
	"application/vnd.ms-powerpoint": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"text/plain": {},
	"text/csv":   {},
}

// HandleState is the lifecycle of one in-flight upload.
type HandleState string

const (
	StateUploading HandleState = "uploading"
	StateCompleted HandleState = "completed"
	StateFailed    HandleState = "failed"
)

// Handle tracks one upload. Its ID is locally generated, not the
// eventual server attachment id.
type Handle struct {
	ID        string
	SessionID string
	Name      string
	MimeType  string
	Size      int64
	State     HandleState
	Err       error
	StartedAt time.Time
}

// Uploader is the pull-channel transport the pipeline posts files
// through (implemented by the api client).
type Uploader interface {
	UploadAttachment(ctx context.Context, req api.UploadRequest) (*chat.Attachment, error)
}

// Request describes one attachment upload.
type Request struct {
	SessionID string
	Uploader  chat.SenderKind
	Name      string
	MimeType  string
	Size      int64
	Content   io.Reader
}

// Pipeline tracks upload handles for one session view.
// It is safe for concurrent use.
type Pipeline struct {
	uploader Uploader
	logger   *slog.Logger
	grace    time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithGracePeriod overrides how long completed handles linger.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Pipeline) { p.grace = d }
}

// New creates an upload pipeline.
func New(uploader Uploader, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		uploader: uploader,
		logger:   logger,
		grace:    completedGrace,
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks the constraints enforced before any network call.
func Validate(name, mimeType string, size int64) error {
	if size > MaxFileSize {
		return &chat.ValidationError{Name: name, Reason: "file exceeds 25 MiB limit"}
	}
	mt := mimeType
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(name))
	}
	mt, _, _ = strings.Cut(mt, ";")
	mt = strings.TrimSpace(mt)
	if _, ok := allowedMimeTypes[mt]; !ok {
		return &chat.ValidationError{Name: name, Reason: "file type " + mt + " is not allowed"}
	}
	return nil
}

// Upload validates and posts one attachment, suspending the caller until
// the HTTP response resolves. A constraint violation returns a
// *chat.ValidationError without creating a handle or touching the
// network. On transport failure the handle is marked failed and
// retained so the UI can show the failure and the filename. On success
// the handle is marked completed and evicted after the grace period;
// the attachment enters the timeline only through the matching
// file_shared push event.
func (p *Pipeline) Upload(ctx context.Context, req Request) (Handle, error) {
	if err := Validate(req.Name, req.MimeType, req.Size); err != nil {
		return Handle{}, err
	}

	h := &Handle{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Name:      req.Name,
		MimeType:  req.MimeType,
		Size:      req.Size,
		State:     StateUploading,
		StartedAt: time.Now(),
	}
	p.mu.Lock()
	p.handles[h.ID] = h
	p.mu.Unlock()

	att, err := p.uploader.UploadAttachment(ctx, api.UploadRequest{
		SessionID: req.SessionID,
		Uploader:  req.Uploader,
		Name:      req.Name,
		MimeType:  req.MimeType,
		Content:   req.Content,
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		h.State = StateFailed
		h.Err = &chat.UploadError{Name: req.Name, Err: err}
		p.logger.Warn("attachment upload failed",
			"handle_id", h.ID, "name", req.Name, "error", err)
		return *h, h.Err
	}

	h.State = StateCompleted
	p.logger.Debug("attachment upload completed",
		"handle_id", h.ID, "attachment_id", att.ID, "name", req.Name)

	id := h.ID
	time.AfterFunc(p.grace, func() { p.evict(id) })

	return *h, nil
}

// Handles returns a snapshot of the tracked handles.
func (p *Pipeline) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, *h)
	}
	return out
}

// Handle returns one tracked handle by its local id.
func (p *Pipeline) Handle(id string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Dismiss drops a failed handle once the user has acknowledged it.
func (p *Pipeline) Dismiss(id string) {
	p.evict(id)
}

func (p *Pipeline) evict(id string) {
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
}
