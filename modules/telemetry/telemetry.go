// Package telemetry supervises the MQTTS session to the active printer:
// dialing with backoff, heartbeat probing, periodic pushall, and feeding
// every report into the state pipeline.
package telemetry

import (
	"context"
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
	heartbeatTimeout = 10 * time.Second
	superviseTick    = time.Second
)

// RawObserver receives every report payload before it is merged.
type RawObserver func(printerID string, payload map[string]any)

// Module owns the MQTT session lifecycle for the active printer.
type Module struct {
	store   *config.Store
	binding *config.ActiveBinding
	repo    *state.Repo
	capture *state.FilamentCapture
	metrics *metrics.Module

	mu            sync.Mutex
	client        *bambu.MqttClient
	printerID     string
	online        bool
	heartbeatSent bool
	forceRedial   bool
	rawObservers  []RawObserver
}

func New(store *config.Store, binding *config.ActiveBinding, repo *state.Repo, capture *state.FilamentCapture, metrics *metrics.Module) *Module {
	return &Module{
		store:   store,
		binding: binding,
		repo:    repo,
		capture: capture,
		metrics: metrics,
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("POST /api/connection/reconnect", router.WithAuthn(http.HandlerFunc(m.handleForceReconnect)))
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Restarting(engine.NewBackoff(time.Second, 2, 30*time.Second), m.run))
}

// ObserveRaw registers a callback for raw report payloads.
func (m *Module) ObserveRaw(fn RawObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawObservers = append(m.rawObservers, fn)
}

// IsLive reports whether the active printer's session is healthy: the
// socket is up and a report arrived recently.
func (m *Module) IsLive() bool {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return false
	}
	last := client.LastMessageAt()
	return !last.IsZero() && time.Since(last) < 2*heartbeatTimeout
}

// ForceReconnect tears the current session down on the next tick.
func (m *Module) ForceReconnect() {
	m.mu.Lock()
	m.forceRedial = true
	m.mu.Unlock()
}

// Publish sends a command to the active printer.
func (m *Module) Publish(cmd map[string]any) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return engine.Unavailable("printer not connected")
	}
	return m.metrics.Timed("mqtt_publish", func() error {
		return client.Publish(cmd)
	})
}

func (m *Module) handleForceReconnect(w http.ResponseWriter, r *http.Request) {
	m.ForceReconnect()
	engine.WriteJSON(w, map[string]any{"reconnecting": true})
}

// run is the supervisor loop. One iteration serves one binding
// generation; any change or failure tears the session down and redials.
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

		if err := m.serve(ctx, current, backoff); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sleep(ctx, backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()
	}
}

// serve dials one printer and supervises the session until the binding
// changes or the connection dies.
func (m *Module) serve(ctx context.Context, current config.Binding, backoff *engine.Backoff) error {
	printer := current.Printer
	client := bambu.NewMqttClient(bambu.PrinterConfig{
		Host:         printer.IP,
		AccessCode:   printer.AccessCode,
		SerialNumber: printer.Serial,
	})

	client.OnReport = func(payload map[string]any) {
		m.handleReport(printer.ID, payload)
	}
	client.OnConnectionChange = func(connected bool) {
		if !connected {
			m.setOnline(printer.ID, false)
			return
		}
		// Fresh session: ask for everything we missed.
		m.setOnline(printer.ID, true)
		client.Publish(bambu.PushallCommand())
		client.Publish(bambu.GetVersionCommand("0"))
	}

	if err := m.metrics.Timed("mqtt_connect", client.Connect); err != nil {
		return err
	}
	backoff.Reset()

	m.mu.Lock()
	m.client = client
	m.printerID = printer.ID
	m.heartbeatSent = false
	m.forceRedial = false
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()
		client.Disconnect()
		m.setOnline(printer.ID, false)
	}()

	settings := m.store.Settings()
	pushInterval := time.Duration(settings.PushallInterval) * time.Second
	if pushInterval <= 0 {
		pushInterval = time.Minute
	}
	pushall := time.NewTicker(pushInterval)
	defer pushall.Stop()
	tick := time.NewTicker(superviseTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pushall.C:
			if err := client.Publish(bambu.PushallCommand()); err != nil {
				return err
			}
		case <-tick.C:
			if m.binding.Current().Generation != current.Generation {
				return nil
			}
			m.mu.Lock()
			force := m.forceRedial
			m.mu.Unlock()
			if force {
				return nil
			}
			if !client.IsConnected() {
				return engine.Unavailable("printer MQTT connection lost")
			}
			if err := m.checkHeartbeat(client, printer.ID); err != nil {
				return err
			}
		}
	}
}

// checkHeartbeat probes a silent connection once, then declares it dead
// when the probe goes unanswered for another timeout.
func (m *Module) checkHeartbeat(client *bambu.MqttClient, printerID string) error {
	last := client.LastMessageAt()
	if last.IsZero() {
		return nil
	}
	silent := time.Since(last)

	m.mu.Lock()
	sent := m.heartbeatSent
	m.mu.Unlock()

	switch {
	case silent < heartbeatTimeout:
		if sent {
			m.mu.Lock()
			m.heartbeatSent = false
			m.mu.Unlock()
		}
		return nil
	case !sent:
		m.mu.Lock()
		m.heartbeatSent = true
		m.mu.Unlock()
		return client.Publish(bambu.HeartbeatCommand())
	case silent >= 2*heartbeatTimeout:
		m.setOnline(printerID, false)
		return engine.Unavailable("printer stopped responding to heartbeats")
	default:
		return nil
	}
}

func (m *Module) handleReport(printerID string, payload map[string]any) {
	m.mu.Lock()
	observers := append([]RawObserver(nil), m.rawObservers...)
	m.heartbeatSent = false
	m.mu.Unlock()

	for _, fn := range observers {
		fn(printerID, payload)
	}

	m.capture.Observe(payload)
	m.repo.UpdatePrintData(printerID, payload)
	m.setOnline(printerID, true)
}

func (m *Module) setOnline(printerID string, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.repo.SetPrinterOnline(printerID, online)
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
