// Package connection coordinates the per-printer transports: when the
// MQTT session is unhealthy the FTPS and camera loops stop redialing,
// since a printer that dropped MQTT is rebooting or unreachable.
package connection

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
)

const gateTick = 2 * time.Second

// Liveness reports the health of the primary printer link.
type Liveness interface {
	IsLive() bool
}

// Gated transports suspend and resume their reconnect loops.
type Gated interface {
	Pause()
	Resume()
}

// Module runs the gating loop.
type Module struct {
	binding  *config.ActiveBinding
	liveness Liveness
	gated    []Gated

	suspended    bool
	gateLogCount int
}

func New(binding *config.ActiveBinding, liveness Liveness, gated ...Gated) *Module {
	return &Module{binding: binding, liveness: liveness, gated: gated}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/connection/status", router.WithAuthn(http.HandlerFunc(m.handleStatus)))
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(gateTick, m.tick))
}

func (m *Module) tick(ctx context.Context) bool {
	live := m.liveness.IsLive()
	switch {
	case !live && !m.suspended:
		m.suspended = true
		m.gateLogCount = 0
		for _, g := range m.gated {
			g.Pause()
		}
		slog.Info("printer link down, pausing secondary transports")
	case !live && m.suspended:
		m.gateLogCount++
		// Log the first few ticks, then only every fifth to keep the
		// log readable during long outages.
		if m.gateLogCount <= 3 || m.gateLogCount%5 == 0 {
			slog.Debug("secondary transports still paused", "ticks", m.gateLogCount)
		}
	case live && m.suspended:
		m.suspended = false
		for _, g := range m.gated {
			g.Resume()
		}
		slog.Info("printer link restored, resuming secondary transports")
	}
	return false
}

func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	current := m.binding.Current()
	status := map[string]any{
		"printer_selected": current.Valid,
		"mqtt_live":        m.liveness.IsLive(),
		"gated_paused":     m.suspended,
	}
	if current.Valid {
		status["printer_id"] = current.Printer.ID
	}
	engine.WriteJSON(w, status)
}
