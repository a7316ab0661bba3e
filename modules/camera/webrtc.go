package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
)

const (
	maxRtcSessions = 2
	rtcSessionTTL  = 45 * time.Second
	offerTimeout   = 8 * time.Second
)

type rtcSession struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// webrtcManager runs go2rtc as a child process and proxies SDP offers to
// it. Session bookkeeping keeps concurrent viewers bounded since the
// printer tolerates very few camera consumers.
type webrtcManager struct {
	store   *config.Store
	binding *config.ActiveBinding
	dataDir string

	mu       sync.Mutex
	sessions map[string]*rtcSession

	client *http.Client
}

func newWebrtcManager(store *config.Store, binding *config.ActiveBinding, dataDir string) *webrtcManager {
	return &webrtcManager{
		store:    store,
		binding:  binding,
		dataDir:  dataDir,
		sessions: map[string]*rtcSession{},
		client:   &http.Client{Timeout: offerTimeout},
	}
}

// go2rtcConfig is the yaml document written for the child process.
type go2rtcConfig struct {
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Rtsp struct {
		Listen string `yaml:"listen"`
	} `yaml:"rtsp"`
	Streams map[string]string `yaml:"streams"`
}

// run keeps a go2rtc child process alive for the active printer. The
// relay only runs when the printer has an external camera configured.
// Returning an error lets the restarting wrapper pace retries.
func (w *webrtcManager) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		settings := w.store.Settings()
		current := w.binding.Current()
		if !current.Valid || settings.Go2rtcPath == "" || current.Printer.ExternalCameraURL == "" {
			if !sleep(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}
		if _, err := os.Stat(settings.Go2rtcPath); err != nil {
			// No binary installed; WebRTC stays unavailable.
			if !sleep(ctx, time.Minute) {
				return ctx.Err()
			}
			continue
		}

		configPath, err := w.writeConfig(settings, current)
		if err != nil {
			return err
		}

		cmd := exec.CommandContext(ctx, settings.Go2rtcPath, "-config", configPath)
		if settings.Go2rtcLogOutput {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		slog.Info("starting go2rtc", "path", settings.Go2rtcPath, "port", settings.Go2rtcPort)
		if err := cmd.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("go2rtc exited: %w", err)
		}
	}
}

func (w *webrtcManager) writeConfig(settings config.AppSettings, current config.Binding) (string, error) {
	cfg := go2rtcConfig{Streams: map[string]string{}}
	cfg.API.Listen = fmt.Sprintf("127.0.0.1:%d", settings.Go2rtcPort)
	cfg.Rtsp.Listen = "127.0.0.1:8554"
	cfg.Streams["external"] = current.Printer.ExternalCameraURL
	// The printer's own chamber feed stays reachable as "internal".
	cfg.Streams["internal"] = fmt.Sprintf(
		"rtsps://%s:%s@%s:322/streaming/live/1",
		"bblp", current.Printer.AccessCode, current.Printer.IP,
	)

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.dataDir, "go2rtc.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Offer proxies an SDP offer to go2rtc and returns the answer.
func (w *webrtcManager) Offer(ctx context.Context, source, offer string) (string, string, error) {
	if source != "external" && source != "internal" {
		return "", "", engine.BadRequest("source must be external or internal")
	}

	w.mu.Lock()
	w.pruneLocked()
	if len(w.sessions) >= maxRtcSessions {
		w.mu.Unlock()
		return "", "", engine.TooManyRequests("too many active camera sessions")
	}
	now := time.Now()
	session := &rtcSession{ID: uuid.New().String(), Source: source, CreatedAt: now, LastSeen: now}
	w.sessions[session.ID] = session
	w.mu.Unlock()

	settings := w.store.Settings()
	url := fmt.Sprintf("http://127.0.0.1:%d/api/webrtc?src=%s", settings.Go2rtcPort, source)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offer))
	if err != nil {
		w.dropSession(session.ID)
		return "", "", engine.Internal("failed to build offer request")
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := w.client.Do(req)
	if err != nil {
		w.dropSession(session.ID)
		return "", "", engine.BadGateway("video gateway unreachable")
	}
	defer resp.Body.Close()
	answer, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		w.dropSession(session.ID)
		return "", "", engine.BadGateway("video gateway rejected the offer")
	}
	return session.ID, string(answer), nil
}

func (w *webrtcManager) dropSession(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
}

// reapSessions expires sessions not kept alive within their TTL.
func (w *webrtcManager) reapSessions(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return false
}

func (w *webrtcManager) pruneLocked() {
	for id, session := range w.sessions {
		if time.Since(session.LastSeen) > rtcSessionTTL {
			delete(w.sessions, id)
		}
	}
}

// Keepalive refreshes a session's TTL. Unknown or expired ids report
// false so the client knows to renegotiate.
func (w *webrtcManager) Keepalive(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	session, ok := w.sessions[id]
	if !ok {
		return false
	}
	session.LastSeen = time.Now()
	return true
}

// Release frees a viewer slot immediately.
func (w *webrtcManager) Release(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
}

func (w *webrtcManager) listSessions() []rtcSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rtcSession, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, *s)
	}
	return out
}

func (m *Module) handleOffer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
		SDP    string `json:"sdp"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Source == "" {
		body.Source = "external"
	}
	if body.SDP == "" {
		engine.HandleError(w, engine.BadRequest("sdp is required"))
		return
	}

	id, answer, err := m.rtc.Offer(r.Context(), body.Source, body.SDP)
	if engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"session_id": id, "sdp": answer})
}

func (m *Module) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if !m.rtc.Keepalive(body.SessionID) {
		engine.HandleError(w, engine.NotFound("unknown camera session"))
		return
	}
	engine.WriteJSON(w, map[string]any{"session_id": body.SessionID})
}

func (m *Module) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	m.rtc.Release(body.SessionID)
	engine.WriteJSON(w, map[string]any{"released": body.SessionID})
}

func (m *Module) handleSessions(w http.ResponseWriter, r *http.Request) {
	engine.WriteJSON(w, map[string]any{"sessions": m.rtc.listSessions()})
}
