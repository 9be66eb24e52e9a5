package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/psantana5/videoforge/internal/models"
	"github.com/psantana5/videoforge/internal/store"
)

const maxBodyBytes = 1 << 20 // 1 MiB; generation params are small JSON

func newJobID() string {
	return uuid.NewString()
}

func decodeBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind models.ErrorKind, detail string, fields []string) {
	writeJSON(w, status, errorResponse{ErrorKind: string(kind), Detail: detail, Fields: fields})
}

// writeStoreError maps a store.Store error to its HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, models.ErrorKindNone, "job not found", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, models.ErrorKindNone, "job state changed concurrently, retry", nil)
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, models.ErrorKindNone, "job already exists", nil)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, models.ErrorKindStoreUnavailable, "store unavailable", nil)
	default:
		writeError(w, http.StatusInternalServerError, models.ErrorKindNone, "internal error", nil)
	}
}
