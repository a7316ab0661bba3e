// Package printers manages the printer roster: registration, editing,
// verification against the live device, and selection of the printer
// the connection services attach to.
package printers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/metrics"
)

// prober verifies credentials against a live printer.
type prober func(r *http.Request, cfg bambu.PrinterConfig) (bambu.ProbeResult, error)

type Module struct {
	store   *config.Store
	binding *config.ActiveBinding
	repo    *state.Repo
	metrics *metrics.Module
	probe   prober
}

func New(store *config.Store, binding *config.ActiveBinding, repo *state.Repo, metricsModule *metrics.Module) *Module {
	m := &Module{
		store:   store,
		binding: binding,
		repo:    repo,
		metrics: metricsModule,
	}
	m.probe = func(r *http.Request, cfg bambu.PrinterConfig) (bambu.ProbeResult, error) {
		return bambu.Probe(r.Context(), cfg)
	}

	// Keep the state repo's roster in sync with the config document.
	for _, p := range store.Printers() {
		repo.Register(p.ID, p.Serial, p.Model)
	}
	store.Subscribe(m.syncRepo)
	return m
}

func (m *Module) AttachRoutes(router *engine.Router) {
	// Health stays open so load balancers can probe without credentials.
	router.HandleFunc("GET /api/health", m.handleHealth)
	router.Handle("GET /api/status", router.WithAuthn(http.HandlerFunc(m.handleStatus)))
	router.Handle("GET /api/status/printers", router.WithAuthn(http.HandlerFunc(m.handleList)))
	router.Handle("POST /api/status/printers", router.WithAuthn(http.HandlerFunc(m.handleAdd)))
	router.Handle("GET /api/status/printers/{id}", router.WithAuthn(http.HandlerFunc(m.handleGet)))
	router.Handle("PUT /api/status/printers/{id}", router.WithAuthn(http.HandlerFunc(m.handleUpdate)))
	router.Handle("DELETE /api/status/printers/{id}", router.WithAuthn(http.HandlerFunc(m.handleDelete)))
	router.Handle("POST /api/status/printers/verify", router.WithAuthn(http.HandlerFunc(m.handleVerify)))
	router.Handle("POST /api/status/printers/{id}/select", router.WithAuthn(http.HandlerFunc(m.handleSelect)))
	router.Handle("POST /api/status/printers/{id}/default", router.WithAuthn(http.HandlerFunc(m.handleDefault)))
	router.Handle("GET /api/status/printers/{id}/state", router.WithAuthn(http.HandlerFunc(m.handleState)))
}

// handleHealth reports degraded while the active printer is offline.
// The process itself serving the request is the liveness signal.
func (m *Module) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	current := m.binding.Current()
	online := false
	if current.Valid {
		if snapshot, ok := m.repo.Snapshot(current.Printer.ID); ok {
			online = snapshot.PrinterOnline
		}
	}
	if current.Valid && !online {
		status = "degraded"
	}
	engine.WriteJSON(w, map[string]any{
		"status":         status,
		"printer_online": online,
	})
}

// handleStatus returns the full snapshot for the queried printer, or
// the active one when printer_id is omitted.
func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
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
	engine.WriteJSON(w, snapshot)
}

func (m *Module) syncRepo() {
	known := map[string]bool{}
	for _, p := range m.store.Printers() {
		known[p.ID] = true
		m.repo.Register(p.ID, p.Serial, p.Model)
	}
	for _, id := range m.repo.PrinterIDs() {
		if !known[id] {
			m.repo.Unregister(id)
		}
	}
}

// printerView is the API shape; the access code never leaves the server.
type printerView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IP                string `json:"ip"`
	Serial            string `json:"serial"`
	Model             string `json:"model"`
	ExternalCameraURL string `json:"external_camera_url,omitempty"`
	Default           bool   `json:"default"`
	Selected          bool   `json:"selected"`
	Online            bool   `json:"online"`
}

func (m *Module) view(p config.Printer) printerView {
	online := false
	if snapshot, ok := m.repo.Snapshot(p.ID); ok {
		online = snapshot.PrinterOnline
	}
	return printerView{
		ID:                p.ID,
		Name:              p.Name,
		IP:                p.IP,
		Serial:            p.Serial,
		Model:             p.Model,
		ExternalCameraURL: p.ExternalCameraURL,
		Default:           m.store.DefaultPrinterID() == p.ID,
		Selected:          m.binding.Current().Valid && m.binding.Current().Printer.ID == p.ID,
		Online:            online,
	}
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	printers := m.store.Printers()
	views := make([]printerView, 0, len(printers))
	for _, p := range printers {
		views = append(views, m.view(p))
	}
	engine.WriteJSON(w, map[string]any{"printers": views})
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := m.store.Printer(r.PathValue("id"))
	if !ok {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	engine.WriteJSON(w, m.view(p))
}

type printerRequest struct {
	Name       string `json:"name"`
	IP         string `json:"ip"`
	AccessCode string `json:"access_code"`
	Serial     string `json:"serial"`
	Model      string `json:"model"`
	// Pointer so an update can clear the URL with an explicit "".
	ExternalCameraURL *string `json:"external_camera_url"`
}

func (p printerRequest) validate() error {
	if p.Name == "" || p.IP == "" || p.AccessCode == "" || p.Serial == "" {
		return engine.BadRequest("name, ip, access_code, and serial are required")
	}
	return nil
}

func (m *Module) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body printerRequest
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if err := body.validate(); engine.HandleError(w, err) {
		return
	}

	printer := config.Printer{
		ID:         uuid.New().String(),
		Name:       body.Name,
		IP:         body.IP,
		AccessCode: body.AccessCode,
		Serial:     strings.ToUpper(strings.TrimSpace(body.Serial)),
		Model:      body.Model,
	}
	if body.ExternalCameraURL != nil {
		printer.ExternalCameraURL = strings.TrimSpace(*body.ExternalCameraURL)
	}
	if err := m.store.AddPrinter(printer); err != nil {
		engine.HandleError(w, engine.Conflict(err.Error()))
		return
	}
	m.repo.Register(printer.ID, printer.Serial, printer.Model)
	engine.WriteJSON(w, m.view(printer))
}

func (m *Module) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body printerRequest
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}

	err := m.store.UpdatePrinter(id, func(p *config.Printer) {
		if body.Name != "" {
			p.Name = body.Name
		}
		if body.IP != "" {
			p.IP = body.IP
		}
		if body.AccessCode != "" {
			p.AccessCode = body.AccessCode
		}
		if body.Model != "" {
			p.Model = body.Model
		}
		if body.ExternalCameraURL != nil {
			p.ExternalCameraURL = strings.TrimSpace(*body.ExternalCameraURL)
		}
	})
	if err != nil {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	p, _ := m.store.Printer(id)
	engine.WriteJSON(w, m.view(p))
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.store.DeletePrinter(id); err != nil {
		engine.HandleError(w, engine.Conflict(err.Error()))
		return
	}
	m.repo.Unregister(id)
	engine.WriteJSON(w, map[string]any{"deleted": id})
}

// handleVerify connects to a printer with candidate credentials and
// reports what it finds. Nothing is saved.
func (m *Module) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP         string `json:"ip"`
		AccessCode string `json:"access_code"`
		Serial     string `json:"serial"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.IP == "" || body.AccessCode == "" || body.Serial == "" {
		engine.HandleError(w, engine.BadRequest("ip, access_code, and serial are required"))
		return
	}

	var result bambu.ProbeResult
	err := m.metrics.Timed("printer_probe", func() error {
		var probeErr error
		result, probeErr = m.probe(r, bambu.PrinterConfig{
			Host:         body.IP,
			AccessCode:   body.AccessCode,
			SerialNumber: strings.ToUpper(strings.TrimSpace(body.Serial)),
		})
		return probeErr
	})
	if err != nil {
		engine.HandleError(w, engine.BadGateway(err.Error()))
		return
	}
	engine.WriteJSON(w, result)
}

func (m *Module) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := m.store.Printer(id); !ok {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	m.binding.Select(id)
	engine.WriteJSON(w, map[string]any{"selected": id})
}

func (m *Module) handleDefault(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.store.SetDefaultPrinter(id); err != nil {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	engine.WriteJSON(w, map[string]any{"default": id})
}

func (m *Module) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := m.repo.Snapshot(r.PathValue("id"))
	if !ok {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	engine.WriteJSON(w, snapshot)
}
