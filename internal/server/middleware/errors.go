// Package middleware provides the HTTP middleware chain for the control
// API: request-id propagation and panic recovery with the standard error
// envelope.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/eventmill/eventmill/internal/errors"
)

// ErrorResponse mirrors the wire shape of the error envelope so callers
// can decode middleware-produced errors without importing the errors
// package.
type ErrorResponse struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		RequestID string         `json:"request_id,omitempty"`
		Details   map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// Recovery converts handler panics into 500 responses with the standard
// error envelope. The panic and stack are logged, never written to the
// client beyond the panic message.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			zap.L().Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			env := apperrors.NewEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithRequestID(apperrors.RequestIDFromContext(r.Context()))
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for handler chains that read
// better with this name.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *apperrors.Envelope, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var resp ErrorResponse
	resp.Error.Code = env.Code
	resp.Error.Message = env.Message
	resp.Error.RequestID = env.RequestID
	resp.Error.Details = env.Details
	_ = json.NewEncoder(w).Encode(resp)
}
