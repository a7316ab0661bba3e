package ftps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bambumon/bambumon/engine"
)

// Upload lifecycle states.
const (
	UploadRunning   = "running"
	UploadCompleted = "completed"
	UploadFailed    = "failed"
	UploadCancelled = "cancelled"
)

const maxUploadBytes = 512 << 20

// Upload tracks one in-flight file transfer to the printer.
type Upload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Target      string `json:"target"`
	Size        int64  `json:"size"`
	Transferred int64  `json:"transferred"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`

	cancel context.CancelFunc
}

type uploadTracker struct {
	mu      sync.Mutex
	uploads map[string]*Upload
}

func (t *uploadTracker) list() []Upload {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Upload, 0, len(t.uploads))
	for _, u := range t.uploads {
		out = append(out, *u)
	}
	return out
}

// progressWriter forwards to the FTP stream while counting bytes and
// honoring cancellation.
type progressWriter struct {
	ctx     context.Context
	tracker *uploadTracker
	id      string
	r       io.Reader
}

func (p *progressWriter) Read(buf []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.tracker.mu.Lock()
		if u, ok := p.tracker.uploads[p.id]; ok {
			u.Transferred += int64(n)
		}
		p.tracker.mu.Unlock()
	}
	return n, err
}

func (m *Module) handleUpload(w http.ResponseWriter, r *http.Request) {
	client := m.Client()
	if client == nil {
		engine.HandleError(w, engine.Unavailable("printer storage unavailable"))
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		engine.HandleError(w, engine.BadRequest("invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		engine.HandleError(w, engine.BadRequest("missing file field"))
		return
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		engine.HandleError(w, engine.BadRequest("file too large"))
		return
	}

	dir := r.FormValue("path")
	if strings.Contains(dir, "..") || strings.Contains(header.Filename, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}
	target := path.Join(normalizePath(dir), path.Base(header.Filename))

	ctx, cancel := context.WithCancel(context.Background())
	upload := &Upload{
		ID:        uuid.New().String(),
		Name:      header.Filename,
		Target:    target,
		Size:      header.Size,
		Status:    UploadRunning,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		cancel:    cancel,
	}
	m.uploads.mu.Lock()
	m.uploads.uploads[upload.ID] = upload
	m.uploads.mu.Unlock()

	// The multipart stream belongs to this request, so the transfer runs
	// inline; progress and cancel are still visible from other requests.
	reader := &progressWriter{ctx: ctx, tracker: m.uploads, id: upload.ID, r: file}
	err = m.metrics.Timed("ftps_upload", func() error {
		return client.Upload(target, reader)
	})

	m.uploads.mu.Lock()
	switch {
	case ctx.Err() != nil:
		upload.Status = UploadCancelled
		upload.Error = "Cancelled by user"
	case err != nil:
		upload.Status = UploadFailed
		upload.Error = err.Error()
	default:
		upload.Status = UploadCompleted
	}
	result := *upload
	m.uploads.mu.Unlock()
	cancel()

	if result.Status == UploadFailed {
		engine.HandleError(w, engine.BadGateway(fmt.Sprintf("upload failed: %s", result.Error)))
		return
	}
	engine.WriteJSON(w, result)
}

func (m *Module) handleUploads(w http.ResponseWriter, r *http.Request) {
	engine.WriteJSON(w, map[string]any{"uploads": m.uploads.list()})
}

func (m *Module) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	id := body.ID
	m.uploads.mu.Lock()
	upload, ok := m.uploads.uploads[id]
	if ok && upload.Status == UploadRunning && upload.cancel != nil {
		upload.cancel()
	}
	m.uploads.mu.Unlock()
	if !ok {
		engine.HandleError(w, engine.NotFound("upload not found"))
		return
	}
	engine.WriteJSON(w, map[string]any{"cancelling": id})
}
