// Package stream fans printer snapshots out to clients over SSE and
// WebSocket, sending a full snapshot on connect and leaf diffs after.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
)

const (
	subscriberBuffer = 200
	pingInterval     = 25 * time.Second
)

// Event names on the wire.
const (
	eventSnapshot = "snapshot"
	eventDiff     = "diff"
	eventPing     = "ping"
)

type message struct {
	Event     string
	Version   int64
	PrinterID string
	Ts        time.Time
	Data      map[string]any
}

// envelope is the data payload on the wire; diffs carry changes,
// snapshots carry the whole state.
func (m *message) envelope() map[string]any {
	out := map[string]any{
		"version":    m.Version,
		"ts":         m.Ts.UTC().Format(time.RFC3339),
		"printer_id": m.PrinterID,
	}
	if m.Event == eventSnapshot {
		out["state"] = m.Data
	} else {
		out["changes"] = m.Data
	}
	return out
}

type feed struct {
	version     int64
	snapshot    map[string]any
	subscribers map[chan *message]struct{}
}

// Module tracks the serialized snapshot per printer and broadcasts diffs.
type Module struct {
	binding *config.ActiveBinding

	mu    sync.Mutex
	feeds map[string]*feed

	upgrader websocket.Upgrader
}

func New(binding *config.ActiveBinding, repo *state.Repo) *Module {
	m := &Module{
		binding: binding,
		feeds:   map[string]*feed{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	repo.Subscribe(m.publish)
	return m
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/state/stream", router.WithAuthn(http.HandlerFunc(m.handleSSE)))
	router.Handle("GET /api/state/ws", router.WithAuthn(http.HandlerFunc(m.handleWS)))
}

// resolvePrinter picks the printer from the printer_id query, falling
// back to the active binding.
func (m *Module) resolvePrinter(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("printer_id"); id != "" {
		return id, nil
	}
	current := m.binding.Current()
	if !current.Valid {
		return "", engine.NotFound("no active printer")
	}
	return current.Printer.ID, nil
}

// publish serializes the snapshot, computes the diff against the cached
// one, and fans it out. Slow subscribers are dropped rather than allowed
// to stall the pipeline.
func (m *Module) publish(printerID string, snapshot state.PrinterState) {
	serialized, err := serialize(snapshot)
	if err != nil {
		slog.Error("failed to serialize snapshot", "printer", printerID, "error", err)
		return
	}

	m.mu.Lock()
	f := m.feeds[printerID]
	if f == nil {
		f = &feed{subscribers: map[chan *message]struct{}{}}
		m.feeds[printerID] = f
	}

	diff := computeDiff(f.snapshot, serialized)
	if len(diff) == 0 && f.version > 0 {
		m.mu.Unlock()
		return
	}
	f.version++
	f.snapshot = serialized
	msg := &message{Event: eventDiff, Version: f.version, PrinterID: printerID, Ts: time.Now(), Data: diff}

	var dropped []chan *message
	for ch := range f.subscribers {
		select {
		case ch <- msg:
		default:
			dropped = append(dropped, ch)
		}
	}
	for _, ch := range dropped {
		delete(f.subscribers, ch)
		// nil wakes the consumer so it can observe the close.
		select {
		case ch <- nil:
		default:
		}
		close(ch)
	}
	m.mu.Unlock()

	if len(dropped) > 0 {
		slog.Warn("dropped slow stream subscribers", "printer", printerID, "count", len(dropped))
	}
}

// subscribe registers a consumer and returns the current snapshot.
func (m *Module) subscribe(printerID string) (chan *message, *message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.feeds[printerID]
	if f == nil {
		f = &feed{subscribers: map[chan *message]struct{}{}, snapshot: map[string]any{}}
		m.feeds[printerID] = f
	}

	ch := make(chan *message, subscriberBuffer)
	f.subscribers[ch] = struct{}{}

	initial := &message{Event: eventSnapshot, Version: f.version, PrinterID: printerID, Ts: time.Now(), Data: f.snapshot}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
	}
	return ch, initial, cancel
}

// SubscriberCount reports active consumers for a printer.
func (m *Module) SubscriberCount(printerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.feeds[printerID]; f != nil {
		return len(f.subscribers)
	}
	return 0
}

func (m *Module) handleSSE(w http.ResponseWriter, r *http.Request) {
	printerID, err := m.resolvePrinter(r)
	if engine.HandleError(w, err) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		engine.HandleError(w, engine.Internal("response writer does not support streaming"))
		return
	}

	ch, initial, cancel := m.subscribe(printerID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err = writeSSE(w, initial); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", eventPing)
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg *message) error {
	data, err := json.Marshal(msg.envelope())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Version, msg.Event, data)
	return err
}

type wsFrame struct {
	Event   string         `json:"event"`
	Version int64          `json:"id"`
	Data    map[string]any `json:"data"`
}

func (m *Module) handleWS(w http.ResponseWriter, r *http.Request) {
	printerID, err := m.resolvePrinter(r)
	if engine.HandleError(w, err) {
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, initial, cancel := m.subscribe(printerID)
	defer cancel()

	// Reader only exists to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsFrame{Event: initial.Event, Version: initial.Version, Data: initial.envelope()}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			if err := conn.WriteJSON(wsFrame{Event: msg.Event, Version: msg.Version, Data: msg.envelope()}); err != nil {
				return
			}
		}
	}
}

func serialize(snapshot state.PrinterState) (map[string]any, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
