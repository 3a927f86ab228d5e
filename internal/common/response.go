package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the shape of every error response: {"error":{"code","message","details"}}.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v as the response body.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONData wraps v in a {"data": v} envelope, merging extra top-level fields such as totals.
func JSONData(w http.ResponseWriter, status int, v any, extra map[string]any) {
	body := make(map[string]any, len(extra)+1)
	for k, val := range extra {
		body[k] = val
	}
	body["data"] = v
	JSON(w, status, body)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{Code: code, Message: message, Details: details},
	})
}
