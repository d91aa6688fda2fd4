package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/lock"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// FileAvailability is the answer for one checksum of an availability check.
type FileAvailability struct {
	Checksum string `json:"checksum"`

	// Available is true when the file can be downloaded right now.
	Available bool `json:"available"`

	// ExpirationDate bounds the guarantee for cached and nearline hits.
	// Zero for online files, which stay available indefinitely.
	ExpirationDate time.Time `json:"expiration_date,omitempty"`

	// Message explains why a file is not available.
	Message string `json:"message,omitempty"`
}

// AvailabilityConfig contains availability check settings.
type AvailabilityConfig struct {
	// BulkLimit is the maximum number of checksums in one check.
	BulkLimit int

	// ConfirmLockTTL bounds how long the per-checksum confirmation lock is
	// held while a nearline backend is queried.
	ConfirmLockTTL time.Duration
}

// DefaultAvailabilityConfig returns sensible defaults.
func DefaultAvailabilityConfig() AvailabilityConfig {
	return AvailabilityConfig{
		BulkLimit:      100,
		ConfirmLockTTL: 30 * time.Second,
	}
}

// AvailabilityService answers, in near real time, whether files can be
// downloaded right now. It consults the cache ledger first, then the storage
// type of each file's best reference, and only queries nearline backends when
// no cheaper answer exists. Explicit negative answers from nearline backends
// are remembered on the reference so repeated checks stay cheap.
type AvailabilityService struct {
	refRepo      repository.FileReferenceRepository
	locationRepo repository.StorageLocationRepository
	registry     *backend.Registry
	cache        *CacheService
	locker       lock.Locker
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	config       AvailabilityConfig
}

// NewAvailabilityService creates a new AvailabilityService.
func NewAvailabilityService(
	refRepo repository.FileReferenceRepository,
	locationRepo repository.StorageLocationRepository,
	registry *backend.Registry,
	cache *CacheService,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config AvailabilityConfig,
) *AvailabilityService {
	return &AvailabilityService{
		refRepo:      refRepo,
		locationRepo: locationRepo,
		registry:     registry,
		cache:        cache,
		locker:       locker,
		metrics:      m,
		logger:       logger.With().Str("service", "availability").Logger(),
		config:       config,
	}
}

// CheckAvailability answers for each checksum whether the file can be
// downloaded right now. Order of answers follows the input order.
func (s *AvailabilityService) CheckAvailability(ctx context.Context, checksums []string) ([]FileAvailability, error) {
	checksums = dedupe(checksums)
	if len(checksums) > s.config.BulkLimit {
		return nil, fmt.Errorf("%w: %d checksums, limit is %d", domain.ErrTooManyChecksums, len(checksums), s.config.BulkLimit)
	}

	// Cache ledger first: a usable entry answers without touching any backend.
	cached, err := s.cache.GetUsable(ctx, checksums)
	if err != nil {
		return nil, err
	}

	var remaining []string
	answers := make(map[string]FileAvailability, len(checksums))
	for _, checksum := range checksums {
		if file, ok := cached[checksum]; ok {
			answers[checksum] = FileAvailability{
				Checksum:       checksum,
				Available:      true,
				ExpirationDate: file.ExpirationDate,
			}
			continue
		}
		remaining = append(remaining, checksum)
	}

	if len(remaining) > 0 {
		refs, err := s.refRepo.Search(ctx, remaining)
		if err != nil {
			return nil, err
		}
		best, err := bestReferences(ctx, s.locationRepo, refs)
		if err != nil {
			return nil, err
		}

		for _, checksum := range remaining {
			classified, ok := best[checksum]
			if !ok {
				// Unreferenced checksums are omitted from the answer, not
				// reported as errors.
				s.logger.Debug().Str("checksum", checksum).Msg("Availability check for unreferenced checksum")
				continue
			}
			s.metrics.AvailabilityRequests.WithLabelValues(string(classified.Type)).Inc()
			answers[checksum] = s.checkReference(ctx, classified)
		}
	}

	results := make([]FileAvailability, 0, len(checksums))
	for _, checksum := range checksums {
		answer, ok := answers[checksum]
		if !ok {
			continue
		}
		outcome := "not_available"
		if answer.Available {
			outcome = "available"
		}
		s.metrics.AvailabilityResults.WithLabelValues(outcome).Inc()
		results = append(results, answer)
	}
	return results, nil
}

func (s *AvailabilityService) checkReference(ctx context.Context, classified classifiedReference) FileAvailability {
	ref := classified.Ref
	checksum := ref.Checksum()

	switch classified.Type {
	case domain.StorageTypeOnline:
		return FileAvailability{Checksum: checksum, Available: true}

	case domain.StorageTypeNearline:
		return s.checkNearline(ctx, ref)

	default:
		return FileAvailability{
			Checksum: checksum,
			Message:  "file is stored offline",
		}
	}
}

// checkNearline queries the nearline backend unless a previous check already
// confirmed the file is not in the fast tier.
func (s *AvailabilityService) checkNearline(ctx context.Context, ref *domain.FileReference) FileAvailability {
	checksum := ref.Checksum()
	storage := ref.Location.Storage

	if ref.NearlineConfirmed {
		return FileAvailability{
			Checksum: checksum,
			Message:  "file requires restoration from nearline storage",
		}
	}

	// The lock keeps concurrent checks of the same checksum from hammering
	// the backend and racing on the confirmation flag. Failing to get it is
	// not an error; the check proceeds but leaves the flag alone.
	lockKey := lock.Keys.NearlineConfirm(checksum)
	locked, err := s.locker.Acquire(ctx, lockKey, s.config.ConfirmLockTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to acquire confirmation lock")
		locked = false
	}
	if locked {
		defer func() {
			if _, err := s.locker.Release(ctx, lockKey); err != nil {
				s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to release confirmation lock")
			}
		}()
	}

	conf, err := s.locationRepo.GetByName(ctx, storage)
	if err != nil {
		s.logger.Error().Err(err).Str("storage", storage).Msg("Failed to load storage location")
		return FileAvailability{Checksum: checksum, Message: "storage location unavailable"}
	}
	b, err := s.registry.Resolve(conf)
	if err != nil {
		s.logger.Error().Err(err).Str("storage", storage).Msg("Failed to resolve backend")
		return FileAvailability{Checksum: checksum, Message: "storage backend unavailable"}
	}

	availability, err := b.CheckAvailability(ctx, ref)
	if err != nil {
		// An error is not a negative answer: the confirmation flag stays
		// untouched so a later check can still find the file available.
		s.logger.Warn().Err(err).
			Str("checksum", checksum).
			Str("storage", storage).
			Msg("Nearline availability check failed")
		return FileAvailability{Checksum: checksum, Message: "availability check failed: " + err.Error()}
	}

	if !availability.Available {
		if locked {
			if err := s.refRepo.SetNearlineConfirmed(ctx, storage, checksum, true); err != nil {
				s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to persist nearline confirmation")
			}
		}
		message := availability.Message
		if message == "" {
			message = "file requires restoration from nearline storage"
		}
		return FileAvailability{Checksum: checksum, Message: message}
	}

	expiration := availability.ExpirationDate
	if expiration.IsZero() {
		expiration = s.cache.DefaultExpiration(time.Now().UTC())
	}
	if _, err := s.cache.AddExternal(ctx, ref, expiration, ""); err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to record external cache entry")
	}

	return FileAvailability{
		Checksum:       checksum,
		Available:      true,
		ExpirationDate: expiration,
	}
}

