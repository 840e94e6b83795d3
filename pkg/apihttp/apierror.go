// Package apihttp defines the gateway's JSON error envelope and the
// helpers that convert internal errors into HTTP responses.
// All API error responses use the shape {"error": "<msg>", "statusCode": <n>}.
package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Error is the internal error taxonomy. Each component returns one of these
// (or wraps one) for any failure that should surface at the HTTP boundary.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"error"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// New creates an Error with the given status and message.
func New(status int, msg string) *Error {
	return &Error{StatusCode: status, Message: msg}
}

// BadRequest creates a 400 validation error.
func BadRequest(msg string) *Error { return New(http.StatusBadRequest, msg) }

// Unauthorized creates a 401 authentication error.
func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return New(http.StatusUnauthorized, msg)
}

// Forbidden creates a 403 authorisation/SSRF error.
func Forbidden(msg string) *Error { return New(http.StatusForbidden, msg) }

// NotFound creates a 404. Used both for genuinely missing resources and for
// existence-hiding of entries the caller does not own.
func NotFound() *Error { return New(http.StatusNotFound, "not found") }

// Conflict creates a 409 (idempotency in flight, dashboard double-approve).
func Conflict(msg string) *Error { return New(http.StatusConflict, msg) }

// Gone creates a 410 (approved action expired or denied before execute).
func Gone(msg string) *Error { return New(http.StatusGone, msg) }

// TooEarly creates a 425 (execute called before approval resolved).
func TooEarly(msg string) *Error { return New(http.StatusTooEarly, msg) }

// PayloadTooLarge creates a 413.
func PayloadTooLarge(msg string) *Error { return New(http.StatusRequestEntityTooLarge, msg) }

// BadGateway creates a 502 for upstream transport errors. The message must
// never carry request headers.
func BadGateway(msg string) *Error { return New(http.StatusBadGateway, msg) }

// GatewayTimeout creates a 504 for upstream deadline hits.
func GatewayTimeout(msg string) *Error { return New(http.StatusGatewayTimeout, msg) }

// Internal creates a 500 with a caller-safe message.
func Internal(msg string) *Error {
	if msg == "" {
		msg = "internal server error"
	}
	return New(http.StatusInternalServerError, msg)
}

// Write writes a JSON error envelope.
func Write(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteStatus writes a JSON error envelope from a raw status and message.
func WriteStatus(w http.ResponseWriter, status int, msg string) {
	Write(w, New(status, msg))
}

// WriteErr classifies err and writes the corresponding envelope.
// Unclassified errors are logged and masked as 500; the underlying error
// is NEVER exposed to the client.
func WriteErr(w http.ResponseWriter, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		Write(w, apiErr)
		return
	}
	slog.Error("internal server error", "error", err)
	Write(w, Internal(""))
}

// WriteJSON writes an arbitrary JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
