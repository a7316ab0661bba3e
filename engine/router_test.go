package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRouter(t *testing.T) {
	router := NewRouter()
	assert.NotNil(t, router)
	assert.NotNil(t, router.router)
	assert.NotNil(t, router.Authenticator)
}

func TestRouter_HandleFunc(t *testing.T) {
	router := NewRouter()

	router.HandleFunc("GET /test", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]string{"ok": "true"})
	})
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"ok":"true"`)

	// Path parameters
	router.HandleFunc("GET /printers/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]string{"id": r.PathValue("id")})
	})
	req = httptest.NewRequest("GET", "/printers/p1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"id":"p1"`)
}

func TestRouter_Observer(t *testing.T) {
	router := NewRouter()

	var gotPattern string
	var gotStatus int
	router.Observe(func(method, pattern string, status int, latency time.Duration) {
		gotPattern = pattern
		gotStatus = status
	})

	router.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		RenderError(w, NotFound("nope"))
	})
	req := httptest.NewRequest("GET", "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "GET /boom", gotPattern)
	assert.Equal(t, 404, gotStatus)
	assert.Contains(t, w.Body.String(), `"not_found"`)
}
