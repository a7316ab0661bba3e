// Package ftps keeps the printer's FTPS share connected and exposes
// storage operations over the API.
package ftps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/metrics"
)

const (
	superviseTick = time.Second
	// The share flaps briefly during MQTT reconnects; require one stable
	// second before reporting connected.
	connectedDebounce = time.Second
)

// FileEntry is one directory listing row.
type FileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	IsDir    bool   `json:"is_dir"`
}

// Module supervises the FTPS session for the active printer.
type Module struct {
	binding *config.ActiveBinding
	repo    *state.Repo
	metrics *metrics.Module

	uploads *uploadTracker

	mu        sync.Mutex
	client    *bambu.FtpClient
	printerID string
	paused    bool
}

func New(binding *config.ActiveBinding, repo *state.Repo, metrics *metrics.Module) *Module {
	return &Module{
		binding: binding,
		repo:    repo,
		metrics: metrics,
		uploads: &uploadTracker{uploads: map[string]*Upload{}},
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/ftps/files", router.WithAuthn(http.HandlerFunc(m.handleList)))
	router.Handle("GET /api/ftps/files/download", router.WithAuthn(http.HandlerFunc(m.handleDownload)))
	router.Handle("POST /api/ftps/files/create-folder", router.WithAuthn(http.HandlerFunc(m.handleCreateFolder)))
	router.Handle("POST /api/ftps/files/rename", router.WithAuthn(http.HandlerFunc(m.handleRename)))
	router.Handle("DELETE /api/ftps/files/delete", router.WithAuthn(http.HandlerFunc(m.handleDelete)))
	router.Handle("POST /api/ftps/files/upload", router.WithAuthn(http.HandlerFunc(m.handleUpload)))
	router.Handle("GET /api/ftps/files/upload/status", router.WithAuthn(http.HandlerFunc(m.handleUploads)))
	router.Handle("POST /api/ftps/files/upload/cancel", router.WithAuthn(http.HandlerFunc(m.handleUploadCancel)))
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Restarting(engine.NewBackoff(time.Second, 2, 30*time.Second), m.run))
}

// Pause suspends reconnect attempts while the printer is unreachable.
func (m *Module) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume re-enables reconnect attempts.
func (m *Module) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Client returns the live FTPS client, or nil when disconnected. Other
// modules (print jobs) share the session.
func (m *Module) Client() *bambu.FtpClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.client.IsConnected() {
		return nil
	}
	return m.client
}

func (m *Module) run(ctx context.Context) error {
	backoff := engine.NewBackoff(5*time.Second, 1.8, time.Minute)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := m.binding.Current()
		m.mu.Lock()
		paused := m.paused
		m.mu.Unlock()

		if !current.Valid || paused {
			if !sleep(ctx, superviseTick) {
				return ctx.Err()
			}
			continue
		}

		m.repo.SetFtpsStatus(current.Printer.ID, state.FtpsReconnecting)
		client := bambu.NewFtpClient(bambu.PrinterConfig{
			Host:       current.Printer.IP,
			AccessCode: current.Printer.AccessCode,
		})
		if err := m.metrics.Timed("ftps_connect", client.Connect); err != nil {
			m.repo.SetFtpsStatus(current.Printer.ID, state.FtpsDisconnected)
			if !sleep(ctx, backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()

		if !sleep(ctx, connectedDebounce) {
			client.Close()
			return ctx.Err()
		}

		m.mu.Lock()
		m.client = client
		m.printerID = current.Printer.ID
		m.mu.Unlock()
		m.repo.SetFtpsStatus(current.Printer.ID, state.FtpsConnected)

		m.superviseSession(ctx, current, client)

		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()
		client.Close()
		m.repo.SetFtpsStatus(current.Printer.ID, state.FtpsDisconnected)
	}
}

// superviseSession blocks until the session should be torn down.
func (m *Module) superviseSession(ctx context.Context, current config.Binding, client *bambu.FtpClient) {
	tick := time.NewTicker(superviseTick)
	defer tick.Stop()
	probe := time.NewTicker(30 * time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.mu.Lock()
			paused := m.paused
			m.mu.Unlock()
			if paused || m.binding.Current().Generation != current.Generation {
				return
			}
		case <-probe.C:
			// Keep the control channel alive and notice dead sessions.
			if _, err := client.List("/"); err != nil {
				return
			}
		}
	}
}

// List returns a sorted directory listing, directories first.
func (m *Module) List(dirPath string) ([]FileEntry, error) {
	client := m.Client()
	if client == nil {
		return nil, engine.Unavailable("printer storage unavailable")
	}

	dirPath = normalizePath(dirPath)
	infos, err := client.List(dirPath)
	if err != nil {
		return nil, mapStorageError(err)
	}

	entries := make([]FileEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, FileEntry{
			Name:     info.Name(),
			Path:     path.Join(dirPath, info.Name()),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
			IsDir:    info.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	dirPath := r.URL.Query().Get("path")
	if strings.Contains(dirPath, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}
	entries, err := m.List(dirPath)
	if engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"path": normalizePath(dirPath), "entries": entries})
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Path == "" || strings.Contains(body.Path, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}

	client := m.Client()
	if client == nil {
		engine.HandleError(w, engine.Unavailable("printer storage unavailable"))
		return
	}
	if err := m.metrics.Timed("ftps_delete", func() error {
		return deleteRecursive(client, normalizePath(body.Path))
	}); engine.HandleError(w, mapStorageError(err)) {
		return
	}
	engine.WriteJSON(w, map[string]any{"deleted": body.Path})
}

// remover is the slice of the FTPS client the delete path needs.
type remover interface {
	Stat(path string) (os.FileInfo, error)
	List(path string) ([]os.FileInfo, error)
	Delete(path string) error
	Rmdir(path string) error
}

// deleteRecursive removes a file, or a directory with everything below
// it. The share has no recursive delete, so walk depth first.
func deleteRecursive(client remover, target string) error {
	info, err := client.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return client.Delete(target)
	}
	entries, err := client.List(target)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := deleteRecursive(client, path.Join(target, entry.Name())); err != nil {
			return err
		}
	}
	return client.Rmdir(target)
}

// handleDownload streams a remote file to the caller.
func (m *Module) handleDownload(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" || strings.Contains(filePath, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}

	client := m.Client()
	if client == nil {
		engine.HandleError(w, engine.Unavailable("printer storage unavailable"))
		return
	}
	filePath = normalizePath(filePath)

	info, err := client.Stat(filePath)
	if engine.HandleError(w, mapStorageError(err)) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.Header().Set("Content-Length", fmt.Sprint(info.Size()))

	if err := client.Download(filePath, w); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		slog.Error("ftps download aborted", "path", filePath, "error", err)
	}
}

func (m *Module) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Path == "" || strings.Contains(body.Path, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}

	client := m.Client()
	if client == nil {
		engine.HandleError(w, engine.Unavailable("printer storage unavailable"))
		return
	}
	if err := m.metrics.Timed("ftps_mkdir", func() error {
		return client.Mkdir(normalizePath(body.Path))
	}); engine.HandleError(w, mapStorageError(err)) {
		return
	}
	engine.WriteJSON(w, map[string]any{"created": normalizePath(body.Path)})
}

func (m *Module) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.From == "" || body.To == "" ||
		strings.Contains(body.From, "..") || strings.Contains(body.To, "..") {
		engine.HandleError(w, engine.BadRequest("invalid path"))
		return
	}

	client := m.Client()
	if client == nil {
		engine.HandleError(w, engine.Unavailable("printer storage unavailable"))
		return
	}
	if err := m.metrics.Timed("ftps_rename", func() error {
		return client.Rename(normalizePath(body.From), normalizePath(body.To))
	}); engine.HandleError(w, mapStorageError(err)) {
		return
	}
	engine.WriteJSON(w, map[string]any{"renamed": normalizePath(body.To)})
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// mapStorageError converts client failures into API errors.
func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bambu.ErrFtpNotFound):
		return engine.NotFound("File not found on printer")
	case errors.Is(err, bambu.ErrFtpNotConnected), errors.Is(err, bambu.ErrFtpUnavailable):
		return engine.Unavailable("Printer storage unavailable")
	case errors.Is(err, bambu.ErrFtpAuth):
		return engine.Unauthorized("Printer storage rejected credentials")
	default:
		return engine.BadGateway("Unable to read printer storage")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
