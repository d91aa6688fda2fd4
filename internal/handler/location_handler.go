package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/service"
)

// LocationHandler handles storage location administration.
type LocationHandler struct {
	locations *service.LocationService
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(locations *service.LocationService, logger zerolog.Logger) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		validate:  validator.New(),
		logger:    logger.With().Str("handler", "locations").Logger(),
	}
}

// RegisterRoutes registers location routes.
func (h *LocationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/locations", h.handleList)
	r.Post("/locations", h.handleCreate)
	r.Get("/locations/{name}", h.handleGet)
	r.Put("/locations/{name}", h.handleUpdate)
	r.Delete("/locations/{name}", h.handleDelete)
}

// CreateLocationRequest declares a new storage location.
type CreateLocationRequest struct {
	Name            string            `json:"name" validate:"required"`
	StorageType     string            `json:"storage_type" validate:"required,oneof=ONLINE NEARLINE OFFLINE"`
	BackendType     string            `json:"backend_type"`
	Parameters      map[string]string `json:"parameters"`
	AllocatedSizeKB int64             `json:"allocated_size_kb"`
}

// UpdateLocationRequest changes a location's tunable settings.
type UpdateLocationRequest struct {
	Parameters      map[string]string `json:"parameters"`
	AllocatedSizeKB int64             `json:"allocated_size_kb"`
}

func (h *LocationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	confs, err := h.locations.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confs)
}

func (h *LocationHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	conf, err := h.locations.Create(r.Context(), service.CreateLocationInput{
		Name:            req.Name,
		StorageType:     domain.StorageType(req.StorageType),
		BackendType:     req.BackendType,
		Parameters:      req.Parameters,
		AllocatedSizeKB: req.AllocatedSizeKB,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conf)
}

func (h *LocationHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	conf, err := h.locations.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (h *LocationHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	conf, err := h.locations.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Parameters != nil {
		conf.Parameters = req.Parameters
	}
	if req.AllocatedSizeKB != 0 {
		conf.AllocatedSizeKB = req.AllocatedSizeKB
	}

	if err := h.locations.Update(r.Context(), conf); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conf)
}

func (h *LocationHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.locations.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
