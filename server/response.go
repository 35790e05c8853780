package server

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/sync"
)

// Request bodies above this size are refused.
const maxRequestBytes = 64 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes the {"errors": [...]} body every non-2xx response carries.
func writeError(w http.ResponseWriter, status int, messages ...string) {
	if len(messages) == 0 {
		messages = []string{http.StatusText(status)}
	}
	_ = writeJSON(w, status, sync.ErrorBody{Errors: messages})
}

// writeErr maps a backend error onto its HTTP status.
func writeErr(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	writeError(w, status, errors.Messages(err)...)
	return status
}

func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsAny(err, errors.ErrDanglingParent, errors.ErrUnknownRevision, errors.ErrCyclicInput):
		return http.StatusUnprocessableEntity
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes a size-limited request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid request body"), errors.ErrInvalidRequest)
	}
	return nil
}
