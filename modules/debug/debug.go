// Package debug exposes the most recent raw report payloads for
// protocol troubleshooting. The endpoint is disabled unless debugging
// is enabled in the settings.
package debug

import (
	"net/http"
	"sync"
	"time"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/modules/telemetry"
)

const payloadRetention = 10

// rawObservable registers callbacks for raw report payloads.
type rawObservable interface {
	ObserveRaw(fn telemetry.RawObserver)
}

// rawPayload is one captured report.
type rawPayload struct {
	PrinterID  string         `json:"printer_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload"`
}

type Module struct {
	store *config.Store

	mu       sync.Mutex
	payloads []rawPayload
}

func New(store *config.Store, telemetry rawObservable) *Module {
	m := &Module{store: store}
	telemetry.ObserveRaw(m.observe)
	return m
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/debug/reports", router.WithAuthn(http.HandlerFunc(m.handleReports)))
}

// observe keeps the newest payloads, newest first.
func (m *Module) observe(printerID string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append([]rawPayload{{
		PrinterID:  printerID,
		ReceivedAt: time.Now(),
		Payload:    payload,
	}}, m.payloads...)
	if len(m.payloads) > payloadRetention {
		m.payloads = m.payloads[:payloadRetention]
	}
}

func (m *Module) handleReports(w http.ResponseWriter, r *http.Request) {
	if !m.store.Settings().DebugEnabled {
		engine.HandleError(w, engine.Forbidden("debug endpoints are disabled"))
		return
	}
	m.mu.Lock()
	out := append([]rawPayload(nil), m.payloads...)
	m.mu.Unlock()
	engine.WriteJSON(w, map[string]any{"reports": out})
}
