package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/logging"
)

// APIError represents a structured API error response
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// ErrorHandler is a middleware that assigns request ids, recovers panics and records metrics
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Add request ID to context, honoring any incoming header value.
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		// Create a custom response writer to capture status codes
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		method := r.Method

		defer func() {
			recordAPIRequest(method, routeLabel(r), rw.StatusCode(), time.Since(start))
		}()

		// Recover from panics
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, r, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred", nil)
			}
		}()

		next.ServeHTTP(rw, r)

		event := log.Debug()
		if rw.statusCode >= 500 {
			event = log.Warn()
		}
		event.
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID).
			Msg("Request handled")
	})
}

// routeLabel prefers the matched chi pattern so metrics do not explode on ids.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// LimitBody caps request bodies at maxBytes.
func LimitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError renders err as an APIError with the status its kind maps to. Internal failures
// are logged and reported generically.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// The caller is gone; there is nobody to answer.
		return
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large", nil)
		return
	}

	status := internalerrors.HTTPStatus(err)
	code := string(internalerrors.KindOf(err))
	message := err.Error()

	var be *internalerrors.BrokerError
	if errors.As(err, &be) && be.Err != nil {
		message = be.Err.Error()
	}

	switch status {
	case http.StatusInternalServerError:
		message = sanitizeErrorForClient(r, err, "Internal server error")
		code = string(internalerrors.KindInternal)
	case http.StatusServiceUnavailable:
		message = sanitizeErrorForClient(r, err, "Backing store unavailable")
		w.Header().Set("Retry-After", "1")
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
	}

	var details map[string]string
	if be != nil && (be.CommandID != "" || be.ClusterID != "") {
		details = map[string]string{}
		if be.CommandID != "" {
			details["command_id"] = be.CommandID
		}
		if be.ClusterID != "" {
			details["cluster_id"] = be.ClusterID
		}
	}
	writeErrorResponse(w, r, status, code, message, details)
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.GetRequestID(r.Context()),
		Details:      details,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// sanitizeErrorForClient logs the raw error server-side and returns the generic message.
func sanitizeErrorForClient(r *http.Request, err error, genericMsg string) string {
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg(genericMsg)
	}
	return genericMsg
}

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Flush implements http.Flusher when the underlying writer supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
