package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sitelinehq/siteline/internal/store"
)

// envelope is the uniform response shape: Success with Data on 2xx,
// Success false with an error message otherwise.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// WriteError writes a failure envelope. The message must be safe to
// show to a client.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// MapStoreError translates store sentinel errors to HTTP responses.
func MapStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDecisionTaken):
		WriteError(w, http.StatusConflict, "a decision has already been recorded")
	case errors.Is(err, store.ErrDuplicateProject):
		WriteError(w, http.StatusConflict, "project already exists")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
