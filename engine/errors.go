package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Error is a domain error carrying an HTTP status and a stable machine code.
// Handlers return these from service calls and render them with RenderError.
type Error struct {
	Status int            `json:"-"`
	Code   string         `json:"error"`
	Detail string         `json:"detail"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func (e *Error) Error() string { return e.Detail }

func BadRequest(detail string) *Error  { return &Error{Status: 400, Code: "bad_request", Detail: detail} }
func Unauthorized(detail string) *Error {
	return &Error{Status: 401, Code: "unauthorized", Detail: detail}
}
func Forbidden(detail string) *Error { return &Error{Status: 403, Code: "forbidden", Detail: detail} }
func NotFound(detail string) *Error  { return &Error{Status: 404, Code: "not_found", Detail: detail} }
func Conflict(detail string) *Error  { return &Error{Status: 409, Code: "conflict", Detail: detail} }
func TooManyRequests(detail string) *Error {
	return &Error{Status: 429, Code: "too_many_requests", Detail: detail}
}
func Cancelled(detail string) *Error { return &Error{Status: 499, Code: "cancelled", Detail: detail} }
func Internal(detail string) *Error  { return &Error{Status: 500, Code: "internal_error", Detail: detail} }
func BadGateway(detail string) *Error {
	return &Error{Status: 502, Code: "bad_gateway", Detail: detail}
}
func Unavailable(detail string) *Error {
	return &Error{Status: 503, Code: "service_unavailable", Detail: detail}
}

// RenderError writes err as a JSON error response. Non-domain errors are
// logged and masked as a generic 500 so internals never leak to clients.
func RenderError(w http.ResponseWriter, err error) {
	var domain *Error
	if !errors.As(err, &domain) {
		slog.Error("unexpected error", "error", err)
		domain = Internal("Internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domain.Status)
	json.NewEncoder(w).Encode(domain)
}

// HandleError returns true if err is non-nil, rendering it to the client.
// This allows cleaner error handling in handlers:
//
//	if engine.HandleError(w, err) {
//	    return
//	}
func HandleError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	RenderError(w, err)
	return true
}

// WriteJSON renders v with a 200 status.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// DecodeJSON parses the request body into v, translating failures into a
// domain error.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return BadRequest("invalid JSON body")
	}
	return nil
}
