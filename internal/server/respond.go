package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"appforge/internal/consent"
	"appforge/internal/engine"
	"appforge/internal/proposal"
	"appforge/internal/queue"
	"appforge/internal/quota"
	"appforge/internal/session"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

const maxBodyBytes = 8 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Fail maps domain errors onto HTTP statuses.
func Fail(w http.ResponseWriter, err error) {
	Error(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var conflict *proposal.ConflictError
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, consent.ErrNotFound),
		errors.Is(err, queue.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyStreaming),
		errors.As(err, &conflict),
		errors.Is(err, proposal.ErrNothingToApply):
		return http.StatusConflict
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, consent.ErrInvalidDecision),
		errors.Is(err, queue.ErrIndexOutOfRange),
		errors.Is(err, proposal.ErrMessageMismatch):
		return http.StatusBadRequest
	case errors.Is(err, versions.ErrGitUnavailable),
		errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
