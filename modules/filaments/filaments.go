// Package filaments serves the filament catalog used by the material
// assignment UI: the known Bambu/vendor profiles, user-defined custom
// profiles persisted on disk, and profiles captured from the printer's
// own command echoes.
package filaments

import (
	"embed"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/state"
)

//go:embed data/filaments.json
var dataFS embed.FS

const customFileName = "custom_filaments.json"

// Filament is one selectable profile.
type Filament struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Vendor        string `json:"vendor,omitempty"`
	Type          string `json:"type"`
	Color         string `json:"color,omitempty"`
	NozzleTempMin int    `json:"nozzle_temp_min,omitempty"`
	NozzleTempMax int    `json:"nozzle_temp_max,omitempty"`
	Source        string `json:"source"`
}

type Module struct {
	capture *state.FilamentCapture
	dataDir string

	mu      sync.Mutex
	catalog []Filament
}

func New(capture *state.FilamentCapture, dataDir string) *Module {
	return &Module{capture: capture, dataDir: dataDir}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET /api/filaments", router.WithAuthn(http.HandlerFunc(m.handleList)))
	router.Handle("GET /api/filaments/catalog", router.WithAuthn(http.HandlerFunc(m.handleCatalog)))
	router.Handle("GET /api/filaments/custom", router.WithAuthn(http.HandlerFunc(m.handleListCustom)))
	router.Handle("GET /api/filaments/custom/candidates", router.WithAuthn(http.HandlerFunc(m.handleCandidates)))
	router.Handle("POST /api/filaments/custom", router.WithAuthn(http.HandlerFunc(m.handleAddCustom)))
	router.Handle("DELETE /api/filaments/custom", router.WithAuthn(http.HandlerFunc(m.handleDeleteCustom)))
}

// Catalog returns the embedded profiles, decoded once.
func (m *Module) Catalog() ([]Filament, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalog != nil {
		return m.catalog, nil
	}
	raw, err := dataFS.ReadFile("data/filaments.json")
	if err != nil {
		return nil, err
	}
	var catalog []Filament
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, err
	}
	for i := range catalog {
		catalog[i].Source = "catalog"
	}
	m.catalog = catalog
	return catalog, nil
}

func (m *Module) customPath() string {
	return filepath.Join(m.dataDir, customFileName)
}

// loadCustom reads the user-defined profiles. A missing file is an
// empty list.
func (m *Module) loadCustom() ([]Filament, error) {
	raw, err := os.ReadFile(m.customPath())
	if os.IsNotExist(err) {
		return []Filament{}, nil
	}
	if err != nil {
		return nil, err
	}
	var custom []Filament
	if err := json.Unmarshal(raw, &custom); err != nil {
		return nil, engine.Internal("custom filament file is corrupt")
	}
	for i := range custom {
		custom[i].Source = "custom"
	}
	return custom, nil
}

func (m *Module) saveCustom(custom []Filament) error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(custom, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.customPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.customPath())
}

// List merges catalog, custom, and captured profiles. Custom entries
// shadow catalog entries with the same id; captured profiles only add
// ids nobody else knows.
func (m *Module) List() ([]Filament, error) {
	catalog, err := m.Catalog()
	if err != nil {
		return nil, engine.Internal("failed to load filament catalog")
	}
	custom, err := m.loadCustom()
	if err != nil {
		return nil, err
	}

	byID := map[string]Filament{}
	for _, f := range catalog {
		byID[f.ID] = f
	}
	for _, f := range custom {
		byID[f.ID] = f
	}
	for id, captured := range m.capture.Snapshot() {
		if _, known := byID[id]; known {
			continue
		}
		name := captured.SettingID
		if name == "" {
			name = id
		}
		byID[id] = Filament{
			ID:            id,
			Name:          name,
			Type:          captured.TrayType,
			Color:         captured.Color,
			NozzleTempMin: captured.NozzleTempMin,
			NozzleTempMax: captured.NozzleTempMax,
			Source:        "captured",
		}
	}

	out := make([]Filament, 0, len(byID))
	for _, f := range byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := m.List()
	if engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"filaments": list})
}

func (m *Module) handleCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := m.Catalog()
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to load filament catalog"))
		return
	}
	engine.WriteJSON(w, map[string]any{"filaments": catalog})
}

func (m *Module) handleListCustom(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	custom, err := m.loadCustom()
	if engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"filaments": custom})
}

// handleCandidates lists profiles seen in printer command echoes that
// are not in the catalog or saved as custom, so the UI can offer to
// save them.
func (m *Module) handleCandidates(w http.ResponseWriter, r *http.Request) {
	catalog, err := m.Catalog()
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to load filament catalog"))
		return
	}
	custom, err := m.loadCustom()
	if engine.HandleError(w, err) {
		return
	}

	known := map[string]bool{}
	for _, f := range catalog {
		known[f.ID] = true
	}
	for _, f := range custom {
		known[f.ID] = true
	}

	candidates := []Filament{}
	for id, captured := range m.capture.Snapshot() {
		if known[id] {
			continue
		}
		name := captured.SettingID
		if name == "" {
			name = id
		}
		candidates = append(candidates, Filament{
			ID:            id,
			Name:          name,
			Type:          captured.TrayType,
			Color:         captured.Color,
			NozzleTempMin: captured.NozzleTempMin,
			NozzleTempMax: captured.NozzleTempMax,
			Source:        "captured",
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	engine.WriteJSON(w, map[string]any{"filaments": candidates})
}

func (m *Module) handleAddCustom(w http.ResponseWriter, r *http.Request) {
	var body Filament
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.ID == "" || body.Name == "" || body.Type == "" {
		engine.HandleError(w, engine.BadRequest("id, name, and type are required"))
		return
	}
	if body.Color != "" {
		color := state.CanonicalTrayColor(body.Color)
		if color == "" {
			engine.HandleError(w, engine.BadRequest("invalid color"))
			return
		}
		body.Color = color
	}
	body.Source = "custom"

	m.mu.Lock()
	defer m.mu.Unlock()
	custom, err := m.loadCustom()
	if engine.HandleError(w, err) {
		return
	}
	replaced := false
	for i, existing := range custom {
		if existing.ID == body.ID {
			custom[i] = body
			replaced = true
			break
		}
	}
	if !replaced {
		custom = append(custom, body)
	}
	if err := m.saveCustom(custom); err != nil {
		engine.HandleError(w, engine.Internal("failed to save custom filaments"))
		return
	}
	engine.WriteJSON(w, body)
}

func (m *Module) handleDeleteCustom(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		engine.HandleError(w, engine.BadRequest("id is required"))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	custom, err := m.loadCustom()
	if engine.HandleError(w, err) {
		return
	}
	kept := custom[:0]
	found := false
	for _, existing := range custom {
		if existing.ID == id {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		engine.HandleError(w, engine.NotFound("custom filament not found"))
		return
	}
	if err := m.saveCustom(kept); err != nil {
		engine.HandleError(w, engine.Internal("failed to save custom filaments"))
		return
	}
	engine.WriteJSON(w, map[string]any{"deleted": id})
}
