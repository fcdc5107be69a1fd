package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reqbin/reqbin/server/internal/admission"
	"github.com/reqbin/reqbin/server/internal/capture"
	"github.com/reqbin/reqbin/server/internal/ident"
	"github.com/reqbin/reqbin/server/internal/store"
)

// StatusFor maps a core error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ident.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests
	case store.IsStorageError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error body with the status from StatusFor.
// Storage and unexpected failures get a generic message; the detail belongs
// in the log, not the response.
func WriteError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		msg = "storage unavailable"
	case http.StatusInternalServerError:
		msg = "internal error"
	case http.StatusNotFound:
		msg = "not found"
	}
	jsonErr(w, code, msg)
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
