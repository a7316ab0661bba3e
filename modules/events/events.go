// Package events derives discrete notifications from snapshot updates
// and keeps a small in-memory history for the UI.
package events

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/state"
)

// Each printer keeps its own bounded ring of recent events.
const historyCap = 50

// Channel names group events for filtering.
const (
	ChannelGcodeState = "gcode_state"
	ChannelPrintError = "print_error"
	ChannelHmsErrors  = "hms_errors"
)

var gcodeStateMessages = map[state.GcodeState]string{
	state.GcodeFinish: "Print finished",
	state.GcodePause:  "Print paused",
}

// Entry is one recorded event with its channel.
type Entry struct {
	Channel string `json:"channel"`
	state.Event
}

// Module watches snapshots for transitions and serves the event history.
type Module struct {
	mu      sync.Mutex
	history map[string][]Entry
	prev    map[string]state.PrinterState
}

func New(repo *state.Repo) *Module {
	m := &Module{
		history: map[string][]Entry{},
		prev:    map[string]state.PrinterState{},
	}
	repo.Subscribe(m.observe)
	return m
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/events", router.WithAuthn(http.HandlerFunc(m.handleList)))
	router.Handle("DELETE /api/events", router.WithAuthn(http.HandlerFunc(m.handleClear)))
}

// observe compares each snapshot against the previous one and records
// any transitions worth telling the user about.
func (m *Module) observe(printerID string, snapshot state.PrinterState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.prev[printerID]
	m.prev[printerID] = snapshot
	if !known {
		// First snapshot establishes the baseline without firing events.
		return
	}

	if snapshot.Print.GcodeState != prev.Print.GcodeState {
		if msg, ok := gcodeStateMessages[snapshot.Print.GcodeState]; ok {
			m.recordLocked(ChannelGcodeState, printerID, snapshot, msg)
		}
	}

	if snapshot.Print.PrintError != nil && (prev.Print.PrintError == nil || prev.Print.PrintError.Code != snapshot.Print.PrintError.Code) {
		m.recordLocked(ChannelPrintError, printerID, snapshot, "Print error detected: "+snapshot.Print.PrintError.Description)
	}

	prevCodes := map[string]bool{}
	for _, hms := range prev.Print.HmsErrors {
		prevCodes[hms.Code] = true
	}
	for _, hms := range snapshot.Print.HmsErrors {
		if prevCodes[hms.Code] {
			continue
		}
		msg := hms.Description
		if msg == "" {
			msg = hms.Code
		}
		m.recordLocked(ChannelHmsErrors, printerID, snapshot, "HMS error detected: "+msg)
	}
}

func (m *Module) recordLocked(channel, printerID string, snapshot state.PrinterState, message string) {
	event := state.NewEvent(printerID, snapshot.Print.GcodeState, message)
	event.Layer = snapshot.Print.Layer
	event.File = snapshot.Print.File
	event.FinishTime = snapshot.Print.FinishTime
	percent := snapshot.Print.Percent
	event.Percent = &percent
	remaining := snapshot.Print.RemainingTime
	event.RemainingTime = &remaining
	speed := snapshot.Print.SpeedLevel
	event.SpeedLevel = &speed

	// Newest first, bounded per printer.
	ring := append([]Entry{{Channel: channel, Event: event}}, m.history[printerID]...)
	if len(ring) > historyCap {
		ring = ring[:historyCap]
	}
	m.history[printerID] = ring
}

// List returns up to limit events, newest first, optionally restricted
// to one printer.
func (m *Module) List(printerID string, limit int) []Entry {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Entry{}
	if printerID != "" {
		out = append(out, m.history[printerID]...)
	} else {
		for _, ring := range m.history {
			out = append(out, ring...)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	if limit > len(out) {
		limit = len(out)
	}
	return out[:limit]
}

// Clear drops the history for one printer, or for all of them.
func (m *Module) Clear(printerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if printerID == "" {
		m.history = map[string][]Entry{}
		return
	}
	delete(m.history, printerID)
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			engine.HandleError(w, engine.BadRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	engine.WriteJSON(w, map[string]any{"events": m.List(r.URL.Query().Get("printer_id"), limit)})
}

func (m *Module) handleClear(w http.ResponseWriter, r *http.Request) {
	m.Clear(r.URL.Query().Get("printer_id"))
	engine.WriteJSON(w, map[string]any{"cleared": true})
}
