package endpoints

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/jackzampolin/docflow/internal/batch"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/schema"
)

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr writes err with the status code its sentinel maps to.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps record sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, record.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, record.ErrAlreadyClaimed),
		errors.Is(err, record.ErrAlreadyInProgress),
		errors.Is(err, record.ErrTerminalState),
		errors.Is(err, record.ErrAlreadyTerminal),
		errors.Is(err, record.ErrAlreadyExists),
		errors.Is(err, record.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, record.ErrUnknownSection),
		errors.Is(err, record.ErrInvalidStep),
		errors.Is(err, batch.ErrNoTargets),
		errors.Is(err, schema.ErrInvalidSchema):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrInvalidPayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, record.ErrClaimFailed),
		errors.Is(err, record.ErrOperationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// objectKey reads the {object_key} path value. Keys containing "/" arrive
// escaped as %2F and are unescaped by the mux.
func objectKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("object_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "object_key is required")
		return "", false
	}
	return key, true
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// documentPath builds an API path for a document, escaping the key.
func documentPath(key string, parts ...string) string {
	p := "/api/documents/" + url.PathEscape(key)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}
