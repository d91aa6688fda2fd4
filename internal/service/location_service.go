package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// LocationService manages storage location configurations.
type LocationService struct {
	locationRepo repository.StorageLocationRepository
	registry     *backend.Registry
	logger       zerolog.Logger
}

// NewLocationService creates a new LocationService.
func NewLocationService(
	locationRepo repository.StorageLocationRepository,
	registry *backend.Registry,
	logger zerolog.Logger,
) *LocationService {
	return &LocationService{
		locationRepo: locationRepo,
		registry:     registry,
		logger:       logger.With().Str("service", "location").Logger(),
	}
}

// CreateLocationInput contains the data needed to declare a storage location.
type CreateLocationInput struct {
	Name            string
	StorageType     domain.StorageType
	BackendType     string
	Parameters      map[string]string
	AllocatedSizeKB int64
}

// Create declares a new storage location. The backend is instantiated once up
// front so configuration mistakes surface at declaration time, not at first
// dispatch.
func (s *LocationService) Create(ctx context.Context, input CreateLocationInput) (*domain.StorageLocationConfiguration, error) {
	switch input.StorageType {
	case domain.StorageTypeOnline, domain.StorageTypeNearline, domain.StorageTypeOffline:
	default:
		return nil, fmt.Errorf("invalid storage type %q", input.StorageType)
	}

	conf := &domain.StorageLocationConfiguration{
		Name:            input.Name,
		StorageType:     input.StorageType,
		BackendType:     input.BackendType,
		Parameters:      input.Parameters,
		AllocatedSizeKB: input.AllocatedSizeKB,
		CreatedAt:       time.Now().UTC(),
	}

	if input.StorageType != domain.StorageTypeOffline {
		if _, err := s.registry.Build(conf); err != nil {
			return nil, fmt.Errorf("backend configuration rejected: %w", err)
		}
	}

	if err := s.locationRepo.Create(ctx, conf); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("name", conf.Name).
		Str("storage_type", string(conf.StorageType)).
		Str("backend_type", conf.BackendType).
		Msg("Storage location created")

	return conf, nil
}

// Get retrieves one storage location configuration.
func (s *LocationService) Get(ctx context.Context, name string) (*domain.StorageLocationConfiguration, error) {
	return s.locationRepo.GetByName(ctx, name)
}

// List returns all storage location configurations.
func (s *LocationService) List(ctx context.Context) ([]*domain.StorageLocationConfiguration, error) {
	return s.locationRepo.List(ctx)
}

// Update replaces the parameters of an existing location and drops any cached
// backend instance so the next use picks up the new settings.
func (s *LocationService) Update(ctx context.Context, conf *domain.StorageLocationConfiguration) error {
	if conf.StorageType != domain.StorageTypeOffline {
		if _, err := s.registry.Build(conf); err != nil {
			return fmt.Errorf("backend configuration rejected: %w", err)
		}
	}

	if err := s.locationRepo.Update(ctx, conf); err != nil {
		return err
	}
	s.registry.Invalidate(conf.Name)

	s.logger.Info().Str("name", conf.Name).Msg("Storage location updated")
	return nil
}

// Delete removes a storage location configuration.
func (s *LocationService) Delete(ctx context.Context, name string) error {
	if err := s.locationRepo.Delete(ctx, name); err != nil {
		return err
	}
	s.registry.Invalidate(name)

	s.logger.Info().Str("name", name).Msg("Storage location deleted")
	return nil
}

// ResolveBackend returns a live backend for a location name.
func (s *LocationService) ResolveBackend(ctx context.Context, name string) (backend.Backend, *domain.StorageLocationConfiguration, error) {
	conf, err := s.locationRepo.GetByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.registry.Resolve(conf)
	if err != nil {
		return nil, nil, err
	}
	return b, conf, nil
}
