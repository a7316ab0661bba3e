// Package presence keeps a lightweight MQTT watcher on every printer
// that is not the active selection, so the roster shows live status
// and a printer switch starts from a warm cache instead of a blank
// snapshot.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
)

const (
	heartbeatTimeout = 10 * time.Second
	superviseTick    = time.Second
	reconcileTick    = time.Second
)

// session is the slice of the MQTT client a watcher drives.
type session interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	LastMessageAt() time.Time
	Publish(cmd map[string]any) error
}

// dialer builds the session for one printer with the watcher's
// callbacks installed before Connect.
type dialer func(printer config.Printer, onReport func(map[string]any), onConnChange func(bool)) session

// Module reconciles one watcher per configured printer against the
// roster.
type Module struct {
	store   *config.Store
	binding *config.ActiveBinding
	repo    *state.Repo
	dial    dialer

	mu       sync.Mutex
	watchers map[string]*watcher
}

func New(store *config.Store, binding *config.ActiveBinding, repo *state.Repo) *Module {
	m := &Module{
		store:    store,
		binding:  binding,
		repo:     repo,
		watchers: map[string]*watcher{},
	}
	m.dial = func(printer config.Printer, onReport func(map[string]any), onConnChange func(bool)) session {
		client := bambu.NewMqttClient(bambu.PrinterConfig{
			Host:         printer.IP,
			AccessCode:   printer.AccessCode,
			SerialNumber: printer.Serial,
		})
		client.OnReport = onReport
		client.OnConnectionChange = onConnChange
		return client
	}
	return m
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(m.run)
}

// run keeps the watcher set in step with the roster until ctx ends.
func (m *Module) run(ctx context.Context) error {
	tick := time.NewTicker(reconcileTick)
	defer tick.Stop()
	defer m.stopAll()

	for {
		m.reconcile(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// reconcile starts a watcher for every configured printer and stops the
// ones whose printer left the roster. The watcher for the active
// printer stays registered; it suspends itself while selected.
func (m *Module) reconcile(ctx context.Context) {
	roster := m.store.Printers()

	m.mu.Lock()
	defer m.mu.Unlock()

	known := map[string]bool{}
	for _, printer := range roster {
		known[printer.ID] = true
		if w, ok := m.watchers[printer.ID]; ok {
			w.update(printer)
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &watcher{m: m, printer: printer, cancel: cancel}
		m.watchers[printer.ID] = w
		go w.loop(wctx)
	}
	for id, w := range m.watchers {
		if !known[id] {
			w.cancel()
			delete(m.watchers, id)
		}
	}
}

func (m *Module) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.watchers {
		w.cancel()
		delete(m.watchers, id)
	}
}

// watcher owns the background MQTT session for one printer.
type watcher struct {
	m      *Module
	cancel context.CancelFunc

	mu            sync.Mutex
	printer       config.Printer
	online        bool
	heartbeatSent bool
}

// update follows credential edits; the session redials with the new
// values after it next tears down.
func (w *watcher) update(printer config.Printer) {
	w.mu.Lock()
	w.printer = printer
	w.mu.Unlock()
}

func (w *watcher) currentPrinter() config.Printer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.printer
}

// suspended reports whether this printer is the active selection. The
// telemetry module owns the session and the liveness flag then.
func (w *watcher) suspended() bool {
	current := w.m.binding.Current()
	return current.Valid && current.Printer.ID == w.currentPrinter().ID
}

func (w *watcher) loop(ctx context.Context) {
	backoff := engine.NewBackoff(5*time.Second, 1.8, 30*time.Second)

	for {
		if ctx.Err() != nil {
			return
		}
		if w.suspended() {
			if !sleep(ctx, superviseTick) {
				return
			}
			continue
		}

		if err := w.serve(ctx); err != nil {
			if !sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}
		backoff.Reset()
	}
}

// serve dials the printer and supervises the session until it dies,
// the printer becomes the active selection, or ctx ends.
func (w *watcher) serve(ctx context.Context) error {
	printer := w.currentPrinter()

	var client session
	client = w.m.dial(printer,
		func(payload map[string]any) {
			w.handleReport(payload)
		},
		func(connected bool) {
			if !connected {
				w.setOnline(false)
				return
			}
			// Fresh session: prime the cache.
			w.setOnline(true)
			client.Publish(bambu.PushallCommand())
			client.Publish(bambu.GetVersionCommand("0"))
		})

	if err := client.Connect(); err != nil {
		return err
	}
	w.mu.Lock()
	w.heartbeatSent = false
	w.mu.Unlock()

	defer func() {
		client.Disconnect()
		w.setOnline(false)
	}()

	tick := time.NewTicker(superviseTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if w.suspended() {
				// Hand the printer over to the active session.
				return nil
			}
			if !client.IsConnected() {
				return engine.Unavailable("printer MQTT connection lost")
			}
			if err := w.checkHeartbeat(client); err != nil {
				return err
			}
		}
	}
}

// checkHeartbeat probes a silent connection once, then declares it dead
// when the probe goes unanswered for another timeout.
func (w *watcher) checkHeartbeat(client session) error {
	last := client.LastMessageAt()
	if last.IsZero() {
		return nil
	}
	silent := time.Since(last)

	w.mu.Lock()
	sent := w.heartbeatSent
	w.mu.Unlock()

	switch {
	case silent < heartbeatTimeout:
		if sent {
			w.mu.Lock()
			w.heartbeatSent = false
			w.mu.Unlock()
		}
		return nil
	case !sent:
		w.mu.Lock()
		w.heartbeatSent = true
		w.mu.Unlock()
		return client.Publish(bambu.HeartbeatCommand())
	case silent >= 2*heartbeatTimeout:
		w.setOnline(false)
		return engine.Unavailable("printer stopped responding to heartbeats")
	default:
		return nil
	}
}

// handleReport feeds a report through the shared state pipeline. Reports
// that race a selection change are dropped; the active session consumes
// its own.
func (w *watcher) handleReport(payload map[string]any) {
	if w.suspended() {
		return
	}
	w.mu.Lock()
	w.heartbeatSent = false
	printerID := w.printer.ID
	w.mu.Unlock()

	w.m.repo.UpdatePrintData(printerID, payload)
	w.setOnline(true)
}

// setOnline tracks liveness locally and mirrors changes into the repo,
// unless the printer is active and the flag belongs to the telemetry
// module.
func (w *watcher) setOnline(online bool) {
	w.mu.Lock()
	changed := w.online != online
	w.online = online
	printerID := w.printer.ID
	w.mu.Unlock()
	if changed && !w.suspended() {
		w.m.repo.SetPrinterOnline(printerID, online)
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
