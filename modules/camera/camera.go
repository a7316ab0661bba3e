// Package camera pulls JPEG frames from the printer's camera port and
// publishes them into the snapshot, and proxies WebRTC offers to go2rtc
// for live video.
package camera

import (
	"context"
	"encoding/base64"
	"net/http"
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
	// Consecutive read failures tolerated before the stream is declared
	// stalled and reconnected.
	stallThreshold = 3
)

// Module supervises the frame stream for the active printer.
type Module struct {
	store   *config.Store
	binding *config.ActiveBinding
	repo    *state.Repo
	metrics *metrics.Module
	rtc     *webrtcManager

	mu     sync.Mutex
	paused bool
}

func New(store *config.Store, binding *config.ActiveBinding, repo *state.Repo, metrics *metrics.Module, dataDir string) *Module {
	return &Module{
		store:   store,
		binding: binding,
		repo:    repo,
		metrics: metrics,
		rtc:     newWebrtcManager(store, binding, dataDir),
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/camera", router.WithAuthn(http.HandlerFunc(m.handleFrame)))
	router.Handle("POST /api/camera/webrtc/offer", router.WithAuthn(http.HandlerFunc(m.handleOffer)))
	router.Handle("POST /api/camera/webrtc/keepalive", router.WithAuthn(http.HandlerFunc(m.handleKeepalive)))
	router.Handle("POST /api/camera/webrtc/release", router.WithAuthn(http.HandlerFunc(m.handleRelease)))
	router.Handle("GET /api/camera/webrtc/sessions", router.WithAuthn(http.HandlerFunc(m.handleSessions)))
}

// handleFrame serves the most recent JPEG for a printer, defaulting to
// the active one.
func (m *Module) handleFrame(w http.ResponseWriter, r *http.Request) {
	printerID := r.URL.Query().Get("printer_id")
	if printerID == "" {
		current := m.binding.Current()
		if !current.Valid {
			engine.HandleError(w, engine.NotFound("no active printer"))
			return
		}
		printerID = current.Printer.ID
	}
	snapshot, ok := m.repo.Snapshot(printerID)
	if !ok {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	engine.WriteJSON(w, map[string]any{
		"printer_id":    printerID,
		"frame":         snapshot.CameraFrame,
		"camera_status": snapshot.CameraStatus,
	})
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Restarting(engine.NewBackoff(time.Second, 2, 30*time.Second), m.run))
	mgr.Add(engine.Restarting(engine.NewBackoff(time.Second, 2, 30*time.Second), m.rtc.run))
	mgr.Add(engine.Poll(10*time.Second, m.rtc.reapSessions))
}

// Pause suspends the stream while the printer is unreachable.
func (m *Module) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume re-enables the stream.
func (m *Module) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

func (m *Module) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Module) run(ctx context.Context) error {
	backoff := engine.NewBackoff(5*time.Second, 1.8, time.Minute)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := m.binding.Current()
		if !current.Valid {
			if !sleep(ctx, superviseTick) {
				return ctx.Err()
			}
			continue
		}
		if m.isPaused() {
			m.repo.SetCameraStatus(current.Printer.ID, state.CameraPaused, "waiting for printer connection")
			if !sleep(ctx, superviseTick) {
				return ctx.Err()
			}
			continue
		}

		m.repo.SetCameraStatus(current.Printer.ID, state.CameraConnecting, "")
		stream := bambu.NewCameraStream(bambu.PrinterConfig{
			Host:       current.Printer.IP,
			AccessCode: current.Printer.AccessCode,
		})
		if err := m.metrics.Timed("camera_connect", func() error {
			return stream.Connect(ctx)
		}); err != nil {
			m.repo.SetCameraStatus(current.Printer.ID, state.CameraReconnecting, err.Error())
			if !sleep(ctx, backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()

		m.streamFrames(ctx, current, stream)
		stream.Close()

		if ctx.Err() == nil {
			m.repo.SetCameraStatus(current.Printer.ID, state.CameraReconnecting, "stream interrupted")
		}
	}
}

// streamFrames reads frames until the stream stalls, the binding
// changes, or the module is paused.
func (m *Module) streamFrames(ctx context.Context, current config.Binding, stream *bambu.CameraStream) {
	printerID := current.Printer.ID
	interval := time.Duration(m.store.Settings().CamInterval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}

	failures := 0
	var lastPublished time.Time
	streaming := false

	for {
		if ctx.Err() != nil || m.isPaused() || m.binding.Current().Generation != current.Generation {
			return
		}

		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			failures++
			switch {
			case failures < stallThreshold:
				continue
			case failures == stallThreshold:
				m.repo.SetCameraStatus(printerID, state.CameraStallWarning, "camera stream stalled")
				continue
			default:
				return
			}
		}
		failures = 0

		if !streaming {
			m.repo.SetCameraStatus(printerID, state.CameraStreaming, "")
			streaming = true
		}

		// Frames arrive faster than clients need; publish at most one
		// per interval.
		if time.Since(lastPublished) < interval {
			continue
		}
		lastPublished = time.Now()
		m.repo.UpdateCameraFrame(printerID, base64.StdEncoding.EncodeToString(frame))
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
