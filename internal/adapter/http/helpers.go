package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/llmlb/llmlb/internal/domain"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fieldName+" is required")
		return false
	}
	return true
}

// sanitizeName validates a name is safe for use in file paths.
// It rejects names containing path separators, dots-prefix, or other traversal patterns.
func sanitizeName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 128 {
		return errors.New("name too long (max 128 chars)")
	}
	if strings.ContainsAny(name, `/\`) {
		return errors.New("name must not contain path separators")
	}
	if strings.Contains(name, "..") {
		return errors.New("name must not contain '..'")
	}
	if name[0] == '.' {
		return errors.New("name must not start with '.'")
	}
	cleaned := filepath.Clean(name)
	if cleaned != name {
		return errors.New("name contains invalid path characters")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

// errorBody is the OpenAI-compatible error envelope (spec §7): the proxy
// mirrors the shape clients already expect from the OpenAI API itself.
type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeError writes the OpenAI-compatible error envelope: {error: {message,
// type, code}}, code mirroring the HTTP status (spec §6).
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Message: message, Type: errType, Code: status}})
}

// writeDomainError maps a domain sentinel error to the appropriate HTTP
// status and OpenAI-compatible error envelope (spec §7 error taxonomy).
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "invalid_request_error", "resource was modified by another request")
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
	case errors.Is(err, domain.ErrAuthn):
		writeError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
	case errors.Is(err, domain.ErrAuthz):
		writeError(w, http.StatusForbidden, "permission_error", "insufficient permission")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "no endpoint available to serve this request")
	case errors.Is(err, domain.ErrUpstream):
		writeError(w, http.StatusBadGateway, "api_error", "upstream endpoint returned an error")
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		writeError(w, http.StatusConflict, "invalid_request_error", "resource already exists")
	case strings.Contains(err.Error(), "constraint failed"):
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid identifier format")
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
	}
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
}
