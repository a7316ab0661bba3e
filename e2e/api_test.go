// Package e2e exercises the HTTP surface end to end: a real router
// with the real authenticator and modules, backed by fakes only where
// a physical printer would be required.
package e2e

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/auth"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/admin"
	"github.com/bambumon/bambumon/modules/control"
	"github.com/bambumon/bambumon/modules/events"
	"github.com/bambumon/bambumon/modules/filaments"
	"github.com/bambumon/bambumon/modules/metrics"
	"github.com/bambumon/bambumon/modules/printers"
	"github.com/bambumon/bambumon/modules/stream"
)

type fakePublisher struct{ sent []map[string]any }

func (f *fakePublisher) Publish(cmd map[string]any) error {
	f.sent = append(f.sent, cmd)
	return nil
}

type fakeSkipValidator struct{}

func (fakeSkipValidator) ValidateSkipObjects(printerID string, objectIDs []int) error { return nil }

type fakeCache struct{}

func (fakeCache) CacheStats() (int, int64, error)  { return 0, 0, nil }
func (fakeCache) CleanCache(printerID string) error { return nil }

type fixture struct {
	store *config.Store
	repo  *state.Repo
	pub   *fakePublisher
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := config.Load(filepath.Join(t.TempDir(), "app.json"))
	require.NoError(t, err)
	hash, err := auth.HashPassword("e2e password")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSettings(func(s *config.AppSettings) {
		s.AdminPasswordHash = hash
	}))

	repo := state.NewRepo()
	capture := state.NewFilamentCapture()
	binding := config.NewActiveBinding(store)
	pub := &fakePublisher{}

	router := engine.NewRouter()
	router.Authenticator = admin.NewAuthenticator(store)
	router.HandleFunc("/healthz", engine.ServeHealthProbe(nil))

	metricsModule := metrics.New()
	metricsModule.AttachRoutes(router)
	printers.New(store, binding, repo, metricsModule).AttachRoutes(router)
	control.New(binding, repo, pub, fakeSkipValidator{}, metricsModule).AttachRoutes(router)
	stream.New(binding, repo).AttachRoutes(router)
	events.New(repo).AttachRoutes(router)
	filaments.New(capture, t.TempDir()).AttachRoutes(router)
	admin.New(store, fakeCache{}).AttachRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{store: store, repo: repo, pub: pub, srv: srv}
}

func (f *fixture) client(t *testing.T) *httpexpect.Expect {
	return httpexpect.Default(t, f.srv.URL)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.client(t).GET("/healthz").Expect().Status(http.StatusOK)

	// The API health report is exempt from authentication.
	f.client(t).GET("/api/health").
		Expect().Status(http.StatusOK).
		JSON().Object().ContainsKey("status")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	f.client(t).GET("/api/status/printers").Expect().Status(http.StatusUnauthorized)
}

func TestPrinterLifecycle(t *testing.T) {
	f := newFixture(t)
	token := f.store.Settings().APIToken
	e := f.client(t)

	created := e.POST("/api/status/printers").
		WithHeader("Authorization", "Bearer "+token).
		WithJSON(map[string]any{
			"name":        "Shop A1",
			"ip":          "10.0.0.2",
			"access_code": "12345678",
			"serial":      "01S00C000000001",
			"model":       "Bambu Lab A1",
		}).
		Expect().Status(http.StatusOK).JSON().Object()
	created.Value("name").IsEqual("Shop A1")
	created.Value("default").IsEqual(true)
	id := created.Value("id").String().Raw()

	e.GET("/api/status/printers").
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("printers").Array().Length().IsEqual(1)

	// Control commands reach the publisher once a printer is selected.
	e.POST("/api/control/pause").
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK)
	require.Len(t, f.pub.sent, 1)

	e.GET("/api/status/printers/{id}/state", id).
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK).
		JSON().Object().ContainsKey("print")
}

func TestEventsFlow(t *testing.T) {
	f := newFixture(t)
	token := f.store.Settings().APIToken
	e := f.client(t)

	e.POST("/api/status/printers").
		WithHeader("Authorization", "Bearer "+token).
		WithJSON(map[string]any{
			"name":        "A1",
			"ip":          "10.0.0.2",
			"access_code": "12345678",
			"serial":      "01S00C000000001",
		}).
		Expect().Status(http.StatusOK)

	var printerID string
	for _, id := range f.repo.PrinterIDs() {
		printerID = id
	}
	require.NotEmpty(t, printerID)

	f.repo.UpdatePrintData(printerID, map[string]any{
		"print": map[string]any{"gcode_state": "RUNNING"},
	})
	f.repo.UpdatePrintData(printerID, map[string]any{
		"print": map[string]any{"gcode_state": "FINISH"},
	})

	events := e.GET("/api/events").
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("events").Array()
	events.Length().Gt(0)
	events.Value(0).Object().Value("message").IsEqual("Print finished")
}

func TestFilamentCatalog(t *testing.T) {
	f := newFixture(t)
	token := f.store.Settings().APIToken

	list := f.client(t).GET("/api/filaments").
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("filaments").Array()
	list.Length().Gt(10)
}

func TestAdminLoginAndSettings(t *testing.T) {
	f := newFixture(t)
	e := f.client(t)

	e.POST("/api/admin/login").
		WithJSON(map[string]any{"password": "nope"}).
		Expect().Status(http.StatusUnauthorized)

	login := e.POST("/api/admin/login").
		WithJSON(map[string]any{"password": "e2e password"}).
		Expect().Status(http.StatusOK)
	cookie := login.Cookie("bambumon_session").Value().Raw()
	require.NotEmpty(t, cookie)

	e.GET("/api/admin/settings").
		WithCookie("bambumon_session", cookie).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("password_set").IsEqual(true)

	e.GET("/api/admin/settings").
		Expect().Status(http.StatusUnauthorized)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	token := f.store.Settings().APIToken

	f.client(t).GET("/api/metrics").
		WithHeader("Authorization", "Bearer "+token).
		Expect().Status(http.StatusOK).
		JSON().Object().ContainsKey("operations")
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	token := f.store.Settings().APIToken
	e := f.client(t)

	e.POST("/api/status/printers").
		WithHeader("Authorization", "Bearer "+token).
		WithJSON(map[string]any{
			"name":        "A1",
			"ip":          "10.0.0.2",
			"access_code": "12345678",
			"serial":      "01S00C000000001",
		}).
		Expect().Status(http.StatusOK)

	var printerID string
	for _, id := range f.repo.PrinterIDs() {
		printerID = id
	}
	require.NotEmpty(t, printerID)

	// Stream endpoints require authentication like everything else.
	resp, err := http.Get(f.srv.URL + "/api/state/stream?printer_id=" + printerID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
