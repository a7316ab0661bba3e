package printjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

const (
	queueDepth   = 8
	jobRetention = 20
)

// storage is the slice of the FTPS client the pipeline needs.
type storage interface {
	Stat(path string) (os.FileInfo, error)
	Download(path string, w io.Writer) error
}

// storageProvider returns the live storage session, or an error while
// the printer share is disconnected.
type storageProvider func() (storage, error)

// PreparedFile is the result of a successful prepare job.
type PreparedFile struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	LocalPath string  `json:"-"`
	Size      int64   `json:"size"`
	Modified  string  `json:"modified"`
	Cached    bool    `json:"cached"`
	Plates    []Plate `json:"plates"`
}

// Job tracks one prepare request through the pipeline.
type Job struct {
	ID        string        `json:"id"`
	PrinterID string        `json:"printer_id"`
	File      string        `json:"file"`
	Path      string        `json:"path"`
	Status    string        `json:"status"`
	Progress  int           `json:"progress"`
	Message   string        `json:"message"`
	// Byte counters for the download step, updated while the transfer
	// runs so pollers can render a progress bar.
	DownloadBytes int64 `json:"download_bytes,omitempty"`
	DownloadTotal int64 `json:"download_total,omitempty"`
	Error     string        `json:"error,omitempty"`
	Result    *PreparedFile `json:"result,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	cancel context.CancelFunc
}

// manager runs prepare jobs one at a time. Printers choke when the
// FTPS session multiplexes transfers, so a single worker drains the
// queue sequentially.
type manager struct {
	provider storageProvider
	cache    *cache
	queue    chan *Job

	mu     sync.Mutex
	jobs   map[string]*Job
	latest map[string]string
	order  []string
}

func newManager(provider storageProvider, cache *cache) *manager {
	return &manager{
		provider: provider,
		cache:    cache,
		queue:    make(chan *Job, queueDepth),
		jobs:     map[string]*Job{},
		latest:   map[string]string{},
	}
}

// normalizeRemotePath cleans a user-supplied printer path. Bambu Studio
// hands out ftp:// URLs and backslash separators.
func normalizeRemotePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "ftp://")
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", engine.BadRequest("path is required")
	}
	if strings.Contains(p, "..") {
		return "", engine.BadRequest("invalid path")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

// Prepare queues a prepare job. A new request supersedes any in-flight
// job for the same printer.
func (mgr *manager) Prepare(printerID, rawPath string) (*Job, error) {
	remote, err := normalizeRemotePath(rawPath)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.New().String(),
		PrinterID: printerID,
		File:      path.Base(remote),
		Path:      remote,
		Status:    JobQueued,
		Message:   "Queued",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mgr.mu.Lock()
	if previousID, ok := mgr.latest[printerID]; ok {
		if previous := mgr.jobs[previousID]; previous != nil && previous.cancel != nil &&
			(previous.Status == JobQueued || previous.Status == JobRunning) {
			previous.cancel()
		}
	}
	mgr.jobs[job.ID] = job
	mgr.latest[printerID] = job.ID
	mgr.order = append(mgr.order, job.ID)
	mgr.pruneLocked()
	mgr.mu.Unlock()

	select {
	case mgr.queue <- job:
	default:
		mgr.mu.Lock()
		job.Status = JobFailed
		job.Error = "too many queued print jobs"
		mgr.mu.Unlock()
		return nil, engine.TooManyRequests("too many queued print jobs")
	}
	return mgr.jobCopy(job.ID), nil
}

// Cancel aborts a queued or running job.
func (mgr *manager) Cancel(jobID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	job, ok := mgr.jobs[jobID]
	if !ok {
		return engine.NotFound("print job not found")
	}
	switch job.Status {
	case JobQueued:
		job.Status = JobCancelled
		job.Message = "Cancelled by user"
		job.UpdatedAt = time.Now()
	case JobRunning:
		if job.cancel != nil {
			job.cancel()
		}
	default:
		return engine.Conflict("print job already finished")
	}
	return nil
}

// Job returns a copy of the job, or nil when unknown.
func (mgr *manager) Job(jobID string) *Job {
	return mgr.jobCopy(jobID)
}

// Latest returns the most recent job for a printer.
func (mgr *manager) Latest(printerID string) *Job {
	mgr.mu.Lock()
	id := mgr.latest[printerID]
	mgr.mu.Unlock()
	if id == "" {
		return nil
	}
	return mgr.jobCopy(id)
}

func (mgr *manager) jobCopy(jobID string) *Job {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	job, ok := mgr.jobs[jobID]
	if !ok {
		return nil
	}
	clone := *job
	clone.cancel = nil
	return &clone
}

func (mgr *manager) pruneLocked() {
	for len(mgr.order) > jobRetention {
		id := mgr.order[0]
		mgr.order = mgr.order[1:]
		if job, ok := mgr.jobs[id]; ok && job.Status != JobQueued && job.Status != JobRunning {
			delete(mgr.jobs, id)
		}
	}
}

// run drains the queue. It only returns when ctx is cancelled.
func (mgr *manager) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-mgr.queue:
			mgr.mu.Lock()
			skip := job.Status != JobQueued
			mgr.mu.Unlock()
			if skip {
				continue
			}
			mgr.execute(ctx, job)
		}
	}
}

func (mgr *manager) execute(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr.mu.Lock()
	job.Status = JobRunning
	job.cancel = cancel
	mgr.mu.Unlock()

	result, err := mgr.prepare(jobCtx, job)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	job.cancel = nil
	job.UpdatedAt = time.Now()
	switch {
	case jobCtx.Err() != nil && ctx.Err() == nil:
		job.Status = JobCancelled
		job.Message = "Cancelled by user"
		slog.Info("print job cancelled", "job", job.ID, "file", job.File)
	case err != nil:
		job.Status = JobFailed
		job.Error = errorDetail(err)
		slog.Warn("print job failed", "job", job.ID, "file", job.File, "error", err)
	default:
		job.Status = JobCompleted
		job.Progress = 100
		job.Message = "Ready for print setup"
		job.Result = result
		slog.Info("print job prepared", "job", job.ID, "file", job.File, "plates", len(result.Plates))
	}
}

// prepare runs the pipeline: locate, download or reuse cache, extract,
// parse.
func (mgr *manager) prepare(ctx context.Context, job *Job) (*PreparedFile, error) {
	mgr.setProgress(job, 20, "Locating file on printer")
	client, err := mgr.provider()
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(job.Path)
	if err != nil {
		return nil, mapStorageError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := fileMeta{
		Name:     job.File,
		Modified: info.ModTime().UTC().Format(time.RFC3339),
		Size:     info.Size(),
		Path:     job.Path,
	}

	localPath, cached := mgr.cache.lookup(job.PrinterID, meta)
	if cached {
		mgr.setProgress(job, 40, "Using cached file")
	} else {
		mgr.setProgress(job, 40, "Downloading file from printer")
		localPath, err = mgr.download(ctx, job, client, meta)
		if err != nil {
			return nil, err
		}
		mgr.setProgress(job, 70, "Download complete")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mgr.setProgress(job, 75, "Extracting 3MF archive...")
	mgr.setProgress(job, 85, "Parsing slice metadata...")
	plates, err := parseThreeMF(localPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &PreparedFile{
		Name:      meta.Name,
		Path:      meta.Path,
		LocalPath: localPath,
		Size:      meta.Size,
		Modified:  meta.Modified,
		Cached:    cached,
		Plates:    plates,
	}, nil
}

func (mgr *manager) download(ctx context.Context, job *Job, client storage, meta fileMeta) (string, error) {
	dst, err := mgr.cache.create(job.PrinterID, meta.Name)
	if err != nil {
		return "", engine.Internal("failed to create cache file")
	}
	mgr.mu.Lock()
	job.DownloadBytes = 0
	job.DownloadTotal = meta.Size
	mgr.mu.Unlock()

	writer := &progressWriter{ctx: ctx, w: dst, report: func(written int64) {
		mgr.mu.Lock()
		job.DownloadBytes = written
		job.UpdatedAt = time.Now()
		mgr.mu.Unlock()
	}}
	if err := client.Download(meta.Path, writer); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", mapStorageError(err)
	}
	writer.flush()
	if err := dst.Close(); err != nil {
		return "", engine.Internal("failed to write cache file")
	}
	if err := mgr.cache.commit(job.PrinterID, meta); err != nil {
		return "", engine.Internal("failed to record cache metadata")
	}
	return dst.Name(), nil
}

func (mgr *manager) setProgress(job *Job, progress int, message string) {
	mgr.mu.Lock()
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = time.Now()
	mgr.mu.Unlock()
}

// Byte counters are reported at most this often during a download.
const downloadReportInterval = 250 * time.Millisecond

// progressWriter counts transferred bytes, paces the report callback,
// and aborts the transfer when the job is cancelled.
type progressWriter struct {
	ctx    context.Context
	w      io.Writer
	report func(written int64)

	written int64
	last    time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.written += int64(n)
	if now := time.Now(); now.Sub(p.last) >= downloadReportInterval {
		p.last = now
		p.report(p.written)
	}
	return n, err
}

// flush reports the final byte count after the transfer finishes.
func (p *progressWriter) flush() {
	p.report(p.written)
}

// mapStorageError converts transport failures into API errors with the
// messages shown in the UI.
func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bambu.ErrFtpNotFound):
		return engine.NotFound("File not found on printer")
	case errors.Is(err, bambu.ErrFtpNotConnected), errors.Is(err, bambu.ErrFtpUnavailable):
		return engine.Unavailable("Printer storage unavailable")
	default:
		return engine.BadGateway("Unable to read printer storage")
	}
}

func errorDetail(err error) string {
	var apiErr *engine.Error
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return fmt.Sprint(err)
}
