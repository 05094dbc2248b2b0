// Package httputil holds small helpers for writing JSON HTTP responses with
// the standard error envelope: {"error": code, "error_description": text}.
package httputil

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON serializes v with the proper content type. Encoding failures are
// unrecoverable mid-response and are ignored.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope. Pass an empty description to
// omit it; internal details never belong in the response body.
func WriteError(w http.ResponseWriter, status int, code, description string) {
	WriteJSON(w, status, errorEnvelope{Error: code, Description: description})
}
