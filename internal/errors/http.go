// Package errors maps application errors onto the HTTP error envelope
// used by every control API response:
//
//	{"error": {"code": "...", "message": "...", "request_id": "...", "details": {...}}}
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

// Stable machine-readable error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidState       = "INVALID_STATE"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// Envelope is the body of the "error" field.
type Envelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the full error response document.
type HTTPErrorResponse struct {
	Error Envelope `json:"error"`
}

// NewEnvelope builds an error envelope with the given code and message.
func NewEnvelope(code, message string) *Envelope {
	return &Envelope{Code: code, Message: message}
}

// WithRequestID attaches a request correlation id.
func (e *Envelope) WithRequestID(id string) *Envelope {
	e.RequestID = id
	return e
}

// WithDetails attaches structured error context.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	e.Details = details
	return e
}

type requestIDKey struct{}

// WithRequestID stashes the request id on a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or empty when unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteError renders an envelope as a JSON error response. The request id
// is filled from the request context when the envelope carries none.
func WriteError(w http.ResponseWriter, r *http.Request, status int, env *Envelope) {
	if env.RequestID == "" && r != nil {
		env.RequestID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *env})
}

// RespondWithError classifies an application error and writes the
// corresponding error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	WriteError(w, r, status, NewEnvelope(code, err.Error()))
}

// Classify maps an application error to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case jobstore.IsJobNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case importjob.IsInvalidTransition(err):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, jobstore.ErrJobExists):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, jobstore.ErrJobRunning):
		return http.StatusConflict, CodeConflict
	case importjob.IsInvalidConfig(err):
		return http.StatusBadRequest, CodeValidation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// NotFoundHandler responds to unmatched routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound,
		NewEnvelope(CodeNotFound, "resource not found"))
}

// MethodNotAllowedHandler responds to matched routes with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed,
		NewEnvelope(CodeMethodNotAllowed, "method not allowed"))
}
