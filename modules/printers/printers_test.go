package printers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/metrics"
)

func newTestModule(t *testing.T) (*Module, *config.Store) {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "app.json"))
	require.NoError(t, err)
	repo := state.NewRepo()
	m := New(store, config.NewActiveBinding(store), repo, metrics.New())
	return m, store
}

func addPrinter(t *testing.T, m *Module, name, serial string) printerView {
	t.Helper()
	body := `{"name":"` + name + `","ip":"10.0.0.2","access_code":"12345678","serial":"` + serial + `","model":"Bambu Lab A1"}`
	w := httptest.NewRecorder()
	m.handleAdd(w, httptest.NewRequest("POST", "/api/status/printers", strings.NewReader(body)))
	require.Equal(t, 200, w.Code, w.Body.String())
	var view printerView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func TestAddListDelete(t *testing.T) {
	m, store := newTestModule(t)

	first := addPrinter(t, m, "A1", "01S00C000000001")
	assert.True(t, first.Default)
	second := addPrinter(t, m, "P1S", "01P00A000000002")
	assert.False(t, second.Default)

	// Duplicate serial is rejected.
	w := httptest.NewRecorder()
	m.handleAdd(w, httptest.NewRequest("POST", "/api/status/printers",
		strings.NewReader(`{"name":"Dup","ip":"10.0.0.9","access_code":"x","serial":"01S00C000000001"}`)))
	assert.Equal(t, 409, w.Code)

	w = httptest.NewRecorder()
	m.handleList(w, httptest.NewRequest("GET", "/api/status/printers", nil))
	require.Equal(t, 200, w.Code)
	var listing struct {
		Printers []printerView `json:"printers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Printers, 2)

	// Deleting the default printer reassigns it.
	req := httptest.NewRequest("DELETE", "/api/status/printers/"+first.ID, nil)
	req.SetPathValue("id", first.ID)
	w = httptest.NewRecorder()
	m.handleDelete(w, req)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, second.ID, store.DefaultPrinterID())
	_, ok := m.repo.Snapshot(first.ID)
	assert.False(t, ok)

	// The last printer cannot be removed.
	req = httptest.NewRequest("DELETE", "/api/status/printers/"+second.ID, nil)
	req.SetPathValue("id", second.ID)
	w = httptest.NewRecorder()
	m.handleDelete(w, req)
	assert.Equal(t, 409, w.Code)
}

func TestAddValidatesFields(t *testing.T) {
	m, _ := newTestModule(t)
	w := httptest.NewRecorder()
	m.handleAdd(w, httptest.NewRequest("POST", "/api/status/printers", strings.NewReader(`{"name":"A1"}`)))
	assert.Equal(t, 400, w.Code)
}

func TestUpdatePreservesAccessCode(t *testing.T) {
	m, store := newTestModule(t)
	view := addPrinter(t, m, "A1", "01S00C000000001")

	req := httptest.NewRequest("PUT", "/api/status/printers/"+view.ID, strings.NewReader(`{"name":"Renamed"}`))
	req.SetPathValue("id", view.ID)
	w := httptest.NewRecorder()
	m.handleUpdate(w, req)
	require.Equal(t, 200, w.Code)

	p, ok := store.Printer(view.ID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", p.Name)
	assert.Equal(t, "12345678", p.AccessCode)
}

func TestExternalCameraURLRoundTrip(t *testing.T) {
	m, store := newTestModule(t)

	body := `{"name":"A1","ip":"10.0.0.2","access_code":"12345678","serial":"01S00C000000001","external_camera_url":"rtsp://cam.local/stream1"}`
	w := httptest.NewRecorder()
	m.handleAdd(w, httptest.NewRequest("POST", "/api/status/printers", strings.NewReader(body)))
	require.Equal(t, 200, w.Code, w.Body.String())
	var view printerView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "rtsp://cam.local/stream1", view.ExternalCameraURL)

	p, ok := store.Printer(view.ID)
	require.True(t, ok)
	assert.Equal(t, "rtsp://cam.local/stream1", p.ExternalCameraURL)

	// Omitting the field keeps it; an explicit empty string clears it.
	req := httptest.NewRequest("PUT", "/api/status/printers/"+view.ID, strings.NewReader(`{"name":"Renamed"}`))
	req.SetPathValue("id", view.ID)
	w = httptest.NewRecorder()
	m.handleUpdate(w, req)
	require.Equal(t, 200, w.Code)
	p, _ = store.Printer(view.ID)
	assert.Equal(t, "rtsp://cam.local/stream1", p.ExternalCameraURL)

	req = httptest.NewRequest("PUT", "/api/status/printers/"+view.ID, strings.NewReader(`{"external_camera_url":""}`))
	req.SetPathValue("id", view.ID)
	w = httptest.NewRecorder()
	m.handleUpdate(w, req)
	require.Equal(t, 200, w.Code)
	p, _ = store.Printer(view.ID)
	assert.Empty(t, p.ExternalCameraURL)
}

func TestSelectSwitchesBinding(t *testing.T) {
	m, _ := newTestModule(t)
	first := addPrinter(t, m, "A1", "01S00C000000001")
	second := addPrinter(t, m, "P1S", "01P00A000000002")

	assert.Equal(t, first.ID, m.binding.Current().Printer.ID)

	req := httptest.NewRequest("POST", "/api/status/printers/"+second.ID+"/select", nil)
	req.SetPathValue("id", second.ID)
	w := httptest.NewRecorder()
	m.handleSelect(w, req)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, second.ID, m.binding.Current().Printer.ID)

	req = httptest.NewRequest("POST", "/api/status/printers/missing/select", nil)
	req.SetPathValue("id", "missing")
	w = httptest.NewRecorder()
	m.handleSelect(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestVerifyUsesProbe(t *testing.T) {
	m, _ := newTestModule(t)
	m.probe = func(r *http.Request, cfg bambu.PrinterConfig) (bambu.ProbeResult, error) {
		assert.Equal(t, "10.0.0.7", cfg.Host)
		assert.Equal(t, "01S00C000000009", cfg.SerialNumber)
		return bambu.ProbeResult{ProductName: "Bambu Lab A1", Firmware: "01.04.00.00", AmsModules: []string{"AMS Lite"}}, nil
	}

	body := `{"ip":"10.0.0.7","access_code":"12345678","serial":"01s00c000000009"}`
	w := httptest.NewRecorder()
	m.handleVerify(w, httptest.NewRequest("POST", "/api/status/printers/verify", strings.NewReader(body)))
	require.Equal(t, 200, w.Code)

	var result bambu.ProbeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Bambu Lab A1", result.ProductName)
	assert.Equal(t, []string{"AMS Lite"}, result.AmsModules)
}

func TestStateEndpoint(t *testing.T) {
	m, _ := newTestModule(t)
	view := addPrinter(t, m, "A1", "01S00C000000001")

	m.repo.UpdatePrintData(view.ID, map[string]any{
		"print": map[string]any{"gcode_state": "RUNNING", "mc_percent": float64(42)},
	})

	req := httptest.NewRequest("GET", "/api/status/printers/"+view.ID+"/state", nil)
	req.SetPathValue("id", view.ID)
	w := httptest.NewRecorder()
	m.handleState(w, req)
	require.Equal(t, 200, w.Code)

	var snapshot state.PrinterState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, 42, snapshot.Print.Percent)
}
