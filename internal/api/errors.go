package api

import (
	"encoding/json"
	"net/http"

	"github.com/maxq-dev/maxq/internal/apperr"
)

// writeJSON marshals v and writes it with status. An encode failure is
// discarded, since the header is already sent at that point.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its spec §7 status code and a JSON
// {error} body. Errors that aren't a *apperr.Error are bugs, not domain
// outcomes, and surface as 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindPrecondition:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
