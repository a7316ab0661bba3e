package debug

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/modules/telemetry"
)

type fakeTelemetry struct {
	observers []telemetry.RawObserver
}

func (f *fakeTelemetry) ObserveRaw(fn telemetry.RawObserver) {
	f.observers = append(f.observers, fn)
}

func (f *fakeTelemetry) emit(printerID string, payload map[string]any) {
	for _, fn := range f.observers {
		fn(printerID, payload)
	}
}

func newTestModule(t *testing.T) (*Module, *config.Store, *fakeTelemetry) {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "app.json"))
	require.NoError(t, err)
	tel := &fakeTelemetry{}
	return New(store, tel), store, tel
}

func TestReportsNewestFirstCapped(t *testing.T) {
	m, _, tel := newTestModule(t)

	for i := 0; i < payloadRetention+5; i++ {
		tel.emit("printer-1", map[string]any{"seq": fmt.Sprint(i)})
	}

	w := httptest.NewRecorder()
	m.handleReports(w, httptest.NewRequest("GET", "/api/debug/reports", nil))
	require.Equal(t, 200, w.Code)

	var body struct {
		Reports []rawPayload `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Reports, payloadRetention)
	assert.Equal(t, fmt.Sprint(payloadRetention+4), body.Reports[0].Payload["seq"])
}

func TestReportsGatedByDebugSetting(t *testing.T) {
	m, store, _ := newTestModule(t)
	require.NoError(t, store.UpdateSettings(func(s *config.AppSettings) {
		s.DebugEnabled = false
	}))

	w := httptest.NewRecorder()
	m.handleReports(w, httptest.NewRequest("GET", "/api/debug/reports", nil))
	assert.Equal(t, 403, w.Code)
}
