// Package handlers implements the operator HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/migro/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success payload, injecting success:true.
func WriteSuccess(w http.ResponseWriter, statusCode int, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["success"] = true
	return WriteJSON(w, statusCode, payload)
}

// WriteError writes a standard {success:false, error} payload.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// WriteErr maps an error onto the HTTP status contract: 400 for validation
// faults, 404 for unknown configs or queues, 500 otherwise.
func WriteErr(w http.ResponseWriter, err error) error {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		return WriteError(w, http.StatusBadRequest, ve.Detail)
	case errors.Is(err, models.ErrConfigNotFound),
		errors.Is(err, models.ErrQueueNotFound),
		errors.Is(err, models.ErrMessageNotFound):
		return WriteError(w, http.StatusNotFound, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// PathSuffix returns the path segment after prefix, without any further
// sub-segments. Empty when the path does not extend past the prefix.
func PathSuffix(r *http.Request, prefix string) string {
	suffix := strings.TrimPrefix(r.URL.Path, prefix)
	suffix = strings.Trim(suffix, "/")
	if idx := strings.Index(suffix, "/"); idx >= 0 {
		return suffix[:idx]
	}
	return suffix
}

// PathParts splits the path after prefix into its segments.
func PathParts(r *http.Request, prefix string) []string {
	suffix := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if suffix == "" {
		return nil
	}
	return strings.Split(suffix, "/")
}

// DecodeBody parses a JSON request body into dst.
func DecodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError("invalid request body: %v", err)
	}
	return nil
}

// QueryJSONArray parses a query parameter holding a JSON-encoded string
// array. A missing parameter yields nil; a bare comma-separated list is
// accepted as a fallback.
func QueryJSONArray(r *http.Request, name string) ([]string, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, nil
	}
	if strings.HasPrefix(raw, "[") {
		return nil, models.NewValidationError("query parameter %s is not a JSON array", name)
	}
	return strings.Split(raw, ","), nil
}

// QueryInt parses an integer query parameter with a default.
func QueryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

// QueryBool parses a boolean query parameter.
func QueryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
