package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/domain"
)

// assistantUnavailable is shown for transient model failures.
const assistantUnavailable = "The assistant is temporarily unavailable. Please try again."

// ErrorResponse writes a JSON error response. It maps domain error codes to
// HTTP status codes and never exposes internal error details.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	// Extract structured info from error
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	op := domain.ErrorOp(err)

	// Map to HTTP status
	status := ErrorCodeToHTTPStatus(code)

	if code == domain.EINTERNAL && ai.IsRetryable(err) {
		message = assistantUnavailable
	}

	// Log error with context
	logError(logger, r, err, code, op, status)

	body := JSONError{}
	body.Error.Code = code
	body.Error.Message = message
	if resetAt, ok := domain.QuotaResetAt(err); ok {
		body.Error.ResetAt = resetAt.UTC().Format(time.RFC3339)
	}
	if code == domain.EINVALID {
		body.Error.Fields = domain.FieldErrors(err)
	}
	writeJSON(w, status, body)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EGONE:
		return http.StatusGone // 410
	case domain.ETOOLARGE:
		return http.StatusRequestEntityTooLarge // 413
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	case domain.ENOTIMPL:
		return http.StatusNotImplemented // 501
	case domain.EUNAVAILABLE:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// NotFoundResponse is a convenience wrapper for 404 errors.
func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found")
	ErrorResponse(w, r, logger, err)
}

// RegisterNotFound answers unmatched paths with a JSON 404 instead of the
// mux's plain-text page.
func RegisterNotFound(mux *http.ServeMux, logger *slog.Logger) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		NotFoundResponse(w, r, logger)
	})
}

// UnauthorizedResponse is a convenience wrapper for 401 errors.
func UnauthorizedResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	err := domain.Errorf(domain.EUNAUTHORIZED, "", "Authentication required")
	ErrorResponse(w, r, logger, err)
}

// ServiceUnavailableResponse answers 503 for features that are not configured.
func ServiceUnavailableResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, message string) {
	logger.Info("feature not configured", "path", r.URL.Path, "method", r.Method)

	body := JSONError{}
	body.Error.Code = domain.EUNAVAILABLE
	body.Error.Message = message
	writeJSON(w, http.StatusServiceUnavailable, body)
}

// logError logs the error with appropriate level based on status code.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}

	// Add operation if present
	if op != "" {
		attrs = append(attrs, "op", op)
	}

	// Log level based on status code:
	// - 5xx errors are server-side issues
	// - 4xx errors are info (client errors, expected)
	if status >= 500 {
		logger.Error("server error", attrs...)
	} else if status >= 400 {
		logger.Info("client error", attrs...)
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError is a typed response structure for API errors.
type JSONError struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		ResetAt string            `json:"reset_at,omitempty"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}
