// Package response renders the JSON envelope used by every control-plane
// route: {"success": bool, "data": ..., "error": ..., "code": ...}.
package response

import (
	"encoding/json"
	"net/http"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK renders a 200 success envelope with the given payload.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// Created renders a 201 success envelope.
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// Error renders a failure envelope with the given HTTP status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// ErrorWithCode renders a failure envelope carrying a machine-readable code,
// used by the auth middleware's AUTH_* rejections.
func ErrorWithCode(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, Envelope{Success: false, Error: message, Code: code})
}

// JSON writes any payload with the given status.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
