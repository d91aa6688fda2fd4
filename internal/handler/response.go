package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

// ErrorResponse is the JSON body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrFileReferenceNotFound),
		errors.Is(err, domain.ErrStorageLocationNotFound),
		errors.Is(err, domain.ErrCacheFileNotFound),
		errors.Is(err, domain.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrFileReferenceAlreadyExists),
		errors.Is(err, domain.ErrStorageLocationAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTooManyChecksums):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, domain.ErrFileNotAvailable):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrCacheFull):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, domain.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrDownloadTransient):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
