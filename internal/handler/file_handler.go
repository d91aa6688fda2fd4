// Package handler provides HTTP handlers for the Tierkeeper API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/service"
)

// AccessChecker decides whether the caller may read a file. Access control is
// delegated: the platform's rights service implements this, the orchestrator
// only consults it before serving bytes.
type AccessChecker interface {
	HasAccess(ctx context.Context, checksum string) (bool, error)
}

// AllowAll grants every download. The default when no rights service is wired.
type AllowAll struct{}

func (AllowAll) HasAccess(context.Context, string) (bool, error) { return true, nil }

// FileHandler handles file reference, availability and download requests.
type FileHandler struct {
	availability *service.AvailabilityService
	restoration  *service.RestorationService
	download     *service.DownloadService
	storageReqs  *service.StorageRequestService
	deletionReqs *service.DeletionRequestService
	copies       *service.CopyService
	access       AccessChecker
	validate     *validator.Validate
	logger       zerolog.Logger
}

// FileHandlerConfig contains configuration for the file handler.
type FileHandlerConfig struct {
	AvailabilityService *service.AvailabilityService
	RestorationService  *service.RestorationService
	DownloadService     *service.DownloadService
	StorageRequests     *service.StorageRequestService
	DeletionRequests    *service.DeletionRequestService
	CopyService         *service.CopyService

	// AccessChecker guards downloads. Defaults to AllowAll.
	AccessChecker AccessChecker

	Logger zerolog.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(cfg FileHandlerConfig) *FileHandler {
	access := cfg.AccessChecker
	if access == nil {
		access = AllowAll{}
	}
	return &FileHandler{
		availability: cfg.AvailabilityService,
		restoration:  cfg.RestorationService,
		download:     cfg.DownloadService,
		storageReqs:  cfg.StorageRequests,
		deletionReqs: cfg.DeletionRequests,
		copies:       cfg.CopyService,
		access:       access,
		validate:     validator.New(),
		logger:       cfg.Logger.With().Str("handler", "files").Logger(),
	}
}

// RegisterRoutes registers file routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Post("/files/availability", h.handleCheckAvailability)
	r.Post("/files/available", h.handleMakeAvailable)
	r.Get("/files/{checksum}/download", h.handleDownload)

	r.Post("/files/storage", h.handleStore)
	r.Post("/files/deletion", h.handleDelete)
	r.Post("/files/copy", h.handleCopy)

	r.Post("/requests/storage/retry", h.handleRetryStorage)
	r.Post("/requests/deletion/retry", h.handleRetryDeletion)
	r.Post("/requests/restoration/retry", h.handleRetryRestoration)
	r.Post("/requests/copy/retry", h.handleRetryCopy)
}

// =============================================================================
// Request/Response Bodies
// =============================================================================

// CheckAvailabilityRequest asks whether files can be downloaded right now.
type CheckAvailabilityRequest struct {
	Checksums []string `json:"checksums" validate:"required,min=1,dive,required"`
}

// MakeAvailableRequest asks for files to become downloadable until a deadline.
type MakeAvailableRequest struct {
	Checksums      []string  `json:"checksums" validate:"required,min=1,dive,required"`
	ExpirationDate time.Time `json:"expiration_date"`
	GroupID        string    `json:"group_id"`
}

// StoreFilesRequest submits new files for storage.
type StoreFilesRequest struct {
	GroupID string           `json:"group_id"`
	Files   []StoreFileEntry `json:"files" validate:"required,min=1,dive"`
}

// StoreFileEntry is one file to store.
type StoreFileEntry struct {
	Checksum     string `json:"checksum" validate:"required"`
	Algorithm    string `json:"algorithm" validate:"required"`
	FileName     string `json:"file_name" validate:"required"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	OriginURL    string `json:"origin_url" validate:"required"`
	Storage      string `json:"storage"`
	SubDirectory string `json:"sub_directory"`
	Owner        string `json:"owner" validate:"required"`
}

// CopyFilesRequest asks for referenced files to be duplicated onto another
// storage location.
type CopyFilesRequest struct {
	GroupID string          `json:"group_id"`
	Files   []CopyFileEntry `json:"files" validate:"required,min=1,dive"`
}

// CopyFileEntry is one file to copy.
type CopyFileEntry struct {
	Checksum           string `json:"checksum" validate:"required"`
	DestinationStorage string `json:"destination_storage" validate:"required"`
	SubDirectory       string `json:"sub_directory"`
}

// DeleteFileRequest asks for one owner's claim on a file to be removed.
type DeleteFileRequest struct {
	GroupID     string `json:"group_id"`
	Checksum    string `json:"checksum" validate:"required"`
	Storage     string `json:"storage" validate:"required"`
	Owner       string `json:"owner" validate:"required"`
	ForceDelete bool   `json:"force_delete"`
}

// RetryRequest requeues errored requests of one storage location.
type RetryRequest struct {
	Storage string `json:"storage" validate:"required"`
}

// RetryResponse reports how many requests were requeued.
type RetryResponse struct {
	Retried int `json:"retried"`
}

// MakeAvailableResponse partitions the requested checksums by outcome.
type MakeAvailableResponse struct {
	Available []string          `json:"available"`
	Restoring []string          `json:"restoring"`
	Errors    map[string]string `json:"errors"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *FileHandler) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req CheckAvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}

	results, err := h.availability.CheckAvailability(r.Context(), req.Checksums)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (h *FileHandler) handleMakeAvailable(w http.ResponseWriter, r *http.Request) {
	var req MakeAvailableRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.restoration.MakeAvailable(r.Context(), req.GroupID, req.Checksums, req.ExpirationDate)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MakeAvailableResponse{
		Available: result.Available,
		Restoring: result.Restoring,
		Errors:    result.Errors,
	})
}

func (h *FileHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	if checksum == "" {
		writeError(w, http.StatusBadRequest, "checksum is required")
		return
	}

	allowed, err := h.access.HasAccess(r.Context(), checksum)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !allowed {
		writeDomainError(w, fmt.Errorf("%w: download of %s", domain.ErrAccessDenied, checksum))
		return
	}

	dl, err := h.download.DownloadFile(r.Context(), checksum)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer dl.Reader.Close()

	if dl.MimeType != "" {
		w.Header().Set("Content-Type", dl.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if dl.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", dl.Size))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.FileName))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Reader); err != nil {
		h.logger.Warn().Err(err).Str("checksum", checksum).Msg("Download stream interrupted")
	}
}

func (h *FileHandler) handleStore(w http.ResponseWriter, r *http.Request) {
	var req StoreFilesRequest
	if !h.decode(w, r, &req) {
		return
	}

	inputs := make([]service.StoreFileInput, 0, len(req.Files))
	for _, f := range req.Files {
		inputs = append(inputs, service.StoreFileInput{
			Checksum:     f.Checksum,
			Algorithm:    f.Algorithm,
			FileName:     f.FileName,
			Size:         f.Size,
			MimeType:     f.MimeType,
			OriginURL:    f.OriginURL,
			Storage:      f.Storage,
			SubDirectory: f.SubDirectory,
			Owner:        f.Owner,
		})
	}

	if err := h.storageReqs.Submit(r.Context(), req.GroupID, inputs); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *FileHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteFileRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.deletionReqs.Submit(r.Context(), req.GroupID, req.Storage, req.Checksum, req.Owner, req.ForceDelete)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *FileHandler) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req CopyFilesRequest
	if !h.decode(w, r, &req) {
		return
	}

	inputs := make([]service.CopyFileInput, 0, len(req.Files))
	for _, f := range req.Files {
		inputs = append(inputs, service.CopyFileInput{
			Checksum:           f.Checksum,
			DestinationStorage: f.DestinationStorage,
			SubDirectory:       f.SubDirectory,
		})
	}

	if err := h.copies.SubmitCopies(r.Context(), req.GroupID, inputs); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *FileHandler) handleRetryStorage(w http.ResponseWriter, r *http.Request) {
	h.handleRetry(w, r, h.storageReqs.Retry)
}

func (h *FileHandler) handleRetryDeletion(w http.ResponseWriter, r *http.Request) {
	h.handleRetry(w, r, h.deletionReqs.Retry)
}

func (h *FileHandler) handleRetryRestoration(w http.ResponseWriter, r *http.Request) {
	h.handleRetry(w, r, h.restoration.Retry)
}

func (h *FileHandler) handleRetryCopy(w http.ResponseWriter, r *http.Request) {
	h.handleRetry(w, r, h.copies.Retry)
}

func (h *FileHandler) handleRetry(w http.ResponseWriter, r *http.Request, retry func(ctx context.Context, storage string) (int, error)) {
	var req RetryRequest
	if !h.decode(w, r, &req) {
		return
	}

	retried, err := retry(r.Context(), req.Storage)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RetryResponse{Retried: retried})
}

// decode parses and validates a JSON request body. Writes the error answer
// itself and reports whether the caller should proceed.
func (h *FileHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}
