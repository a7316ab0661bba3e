package engine

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderErrorDomain(t *testing.T) {
	w := httptest.NewRecorder()
	RenderError(w, Conflict("already exists"))

	assert.Equal(t, 409, w.Code)
	assert.JSONEq(t, `{"error":"conflict","detail":"already exists"}`, w.Body.String())
}

func TestRenderErrorMasksUnexpected(t *testing.T) {
	w := httptest.NewRecorder()
	RenderError(w, errors.New("tls handshake: secret detail"))

	assert.Equal(t, 500, w.Code)
	assert.NotContains(t, w.Body.String(), "secret detail")
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestHandleError(t *testing.T) {
	w := httptest.NewRecorder()
	assert.False(t, HandleError(w, nil))
	assert.True(t, HandleError(w, BadRequest("nope")))
	assert.Equal(t, 400, w.Code)
}
