package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors for request validation.
var (
	// ErrInvalidDocumentID is returned for ids that are empty, too long or
	// contain characters outside [A-Za-z0-9._-].
	ErrInvalidDocumentID = errors.New("server: invalid document id")

	// ErrServerClosed is returned by Run after Shutdown.
	ErrServerClosed = errors.New("server: closed")
)

const maxDocumentIDLength = 256

func validateDocumentID(id string) error {
	if id == "" || len(id) > maxDocumentIDLength {
		return ErrInvalidDocumentID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return ErrInvalidDocumentID
		}
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
