// Package service provides business logic services for Tierkeeper.
package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// CacheConfig contains internal cache settings.
type CacheConfig struct {
	// Path is the root directory of the internal disk cache.
	Path string

	// MaxSizeKB bounds the summed size of internally cached files.
	MaxSizeKB int64

	// DefaultAvailability is how long a restored file stays available when
	// the caller gives no expiration.
	DefaultAvailability time.Duration

	// BatchSize is the page size of purge and coherence scans.
	BatchSize int
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig(path string) CacheConfig {
	return CacheConfig{
		Path:                path,
		MaxSizeKB:           10 * 1024 * 1024,
		DefaultAvailability: 24 * time.Hour,
		BatchSize:           500,
	}
}

// CacheService maintains the cache ledger: which checksums currently have a
// fast-access copy, where it lives, and until when it can be trusted.
type CacheService struct {
	cacheRepo   repository.CacheFileRepository
	requestRepo repository.CacheRequestRepository
	events      event.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      CacheConfig
}

// NewCacheService creates a new CacheService.
func NewCacheService(
	cacheRepo repository.CacheFileRepository,
	requestRepo repository.CacheRequestRepository,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config CacheConfig,
) *CacheService {
	return &CacheService{
		cacheRepo:   cacheRepo,
		requestRepo: requestRepo,
		events:      events,
		metrics:     m,
		logger:      logger.With().Str("service", "cache").Logger(),
		config:      config,
	}
}

// InternalPathFor returns the sharded directory restored bytes for a checksum
// must land in. Two levels of two hex characters keep directory fanout flat.
func (s *CacheService) InternalPathFor(checksum string) string {
	if len(checksum) < 4 {
		return filepath.Join(s.config.Path, checksum)
	}
	return filepath.Join(s.config.Path, checksum[0:2], checksum[2:4])
}

// DefaultExpiration returns the expiration used when callers give none.
func (s *CacheService) DefaultExpiration(now time.Time) time.Time {
	return now.Add(s.config.DefaultAvailability)
}

// AddInternal records a restored file in the ledger. If an entry already
// exists for the checksum its expiration is extended, never shortened, and
// the group is appended.
func (s *CacheService) AddInternal(ctx context.Context, ref *domain.FileReference, location string, expiration time.Time, groupID string) (*domain.CacheFile, error) {
	return s.add(ctx, ref, domain.CacheFileInternal, location, expiration, groupID)
}

// AddExternal records a backend-confirmed fast-tier copy in the ledger.
func (s *CacheService) AddExternal(ctx context.Context, ref *domain.FileReference, expiration time.Time, groupID string) (*domain.CacheFile, error) {
	return s.add(ctx, ref, domain.CacheFileExternal, "", expiration, groupID)
}

func (s *CacheService) add(ctx context.Context, ref *domain.FileReference, fileType domain.CacheFileType, location string, expiration time.Time, groupID string) (*domain.CacheFile, error) {
	checksum := ref.Checksum()

	file, err := s.cacheRepo.GetByChecksum(ctx, checksum)
	switch {
	case err == nil:
		// An internal copy is strictly better than an external promise, so a
		// restoration result overwrites an external entry. The reverse never
		// downgrades.
		if file.Type == domain.CacheFileInternal && fileType == domain.CacheFileExternal {
			fileType = domain.CacheFileInternal
			location = file.Location
		}
		file.Type = fileType
		if location != "" {
			file.Location = location
		}
		file.ExtendExpiration(expiration)
		if groupID != "" {
			file.AddGroup(groupID)
		}
	case errors.Is(err, domain.ErrCacheFileNotFound):
		file = &domain.CacheFile{
			Checksum:       checksum,
			Type:           fileType,
			Location:       location,
			Size:           ref.MetaInfo.Size,
			FileName:       ref.MetaInfo.FileName,
			MimeType:       ref.MetaInfo.MimeType,
			ExpirationDate: expiration,
			CreatedAt:      time.Now().UTC(),
		}
		if groupID != "" {
			file.AddGroup(groupID)
		}
	default:
		return nil, err
	}

	if err := s.cacheRepo.Save(ctx, file); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("checksum", checksum).
		Str("type", string(file.Type)).
		Time("expiration", file.ExpirationDate).
		Msg("Cache ledger entry saved")

	s.refreshGauges(ctx)
	return file, nil
}

// Touch extends an entry's availability and registers an interested group.
func (s *CacheService) Touch(ctx context.Context, file *domain.CacheFile, expiration time.Time, groupID string) error {
	file.ExtendExpiration(expiration)
	if groupID != "" {
		file.AddGroup(groupID)
	}
	return s.cacheRepo.Save(ctx, file)
}

// GetUsable returns the non-expired ledger entries for the given checksums.
// Expired entries encountered on the way are evicted immediately.
func (s *CacheService) GetUsable(ctx context.Context, checksums []string) (map[string]*domain.CacheFile, error) {
	files, err := s.cacheRepo.FindByChecksums(ctx, checksums)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	usable := make(map[string]*domain.CacheFile, len(files))
	for _, file := range files {
		if file.IsExpired(now) {
			s.evict(ctx, file)
			continue
		}
		usable[file.Checksum] = file
	}
	return usable, nil
}

// GetUsableOne returns the non-expired ledger entry for one checksum, or
// domain.ErrCacheFileNotFound.
func (s *CacheService) GetUsableOne(ctx context.Context, checksum string) (*domain.CacheFile, error) {
	file, err := s.cacheRepo.GetByChecksum(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if file.IsExpired(time.Now().UTC()) {
		s.evict(ctx, file)
		return nil, domain.ErrCacheFileNotFound
	}
	return file, nil
}

// Invalidate drops the ledger entry for a checksum, for example after a
// download proved the copy is gone.
func (s *CacheService) Invalidate(ctx context.Context, checksum string) error {
	if err := s.cacheRepo.DeleteByChecksum(ctx, checksum); err != nil {
		return err
	}
	s.logger.Info().Str("checksum", checksum).Msg("Cache ledger entry invalidated")
	s.refreshGauges(ctx)
	return nil
}

// FreeSpace returns the bytes still grantable to new restorations: the
// configured limit minus both cached bytes and bytes promised to running
// restoration requests.
func (s *CacheService) FreeSpace(ctx context.Context) (int64, error) {
	used, err := s.cacheRepo.TotalSize(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := s.requestRepo.PendingSize(ctx)
	if err != nil {
		return 0, err
	}

	free := s.config.MaxSizeKB*1024 - used - pending
	if free < 0 {
		free = 0
	}
	return free, nil
}

// PurgeExpired evicts expired ledger entries in batches and removes internal
// files from disk. Returns the number of evicted entries.
func (s *CacheService) PurgeExpired(ctx context.Context) (int, error) {
	purged := 0
	for {
		files, err := s.cacheRepo.FindExpired(ctx, time.Now().UTC(), s.config.BatchSize)
		if err != nil {
			return purged, err
		}
		if len(files) == 0 {
			break
		}
		for _, file := range files {
			s.evict(ctx, file)
			purged++
		}
		if len(files) < s.config.BatchSize {
			break
		}
	}

	if purged > 0 {
		s.metrics.CachePurgedFiles.Add(float64(purged))
		s.logger.Info().Int("purged", purged).Msg("Evicted expired cache entries")
	}
	s.refreshGauges(ctx)
	return purged, nil
}

// CheckCoherence walks the ledger and drops internal entries whose file no
// longer exists on disk. Run at startup, since the cache directory may have
// been cleaned outside of the process.
func (s *CacheService) CheckCoherence(ctx context.Context) (int, error) {
	dropped := 0
	var afterID int64
	for {
		files, err := s.cacheRepo.List(ctx, afterID, s.config.BatchSize)
		if err != nil {
			return dropped, err
		}
		if len(files) == 0 {
			break
		}
		for _, file := range files {
			afterID = file.ID
			if file.Type != domain.CacheFileInternal {
				continue
			}
			if _, err := os.Stat(file.Location); os.IsNotExist(err) {
				s.logger.Warn().
					Str("checksum", file.Checksum).
					Str("location", file.Location).
					Msg("Cached file missing on disk, dropping ledger entry")
				if err := s.cacheRepo.Delete(ctx, file.ID); err != nil && !errors.Is(err, domain.ErrCacheFileNotFound) {
					s.logger.Error().Err(err).Str("checksum", file.Checksum).Msg("Failed to drop ledger entry")
					continue
				}
				dropped++
			}
		}
		if len(files) < s.config.BatchSize {
			break
		}
	}

	s.refreshGauges(ctx)
	return dropped, nil
}

// evict removes one ledger entry and, for internal entries, its file on disk.
// Every group that asked for the file learns its availability guarantee ended.
func (s *CacheService) evict(ctx context.Context, file *domain.CacheFile) {
	if file.Type == domain.CacheFileInternal && file.Location != "" {
		if err := os.Remove(file.Location); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("location", file.Location).Msg("Failed to remove cached file")
		}
	}
	if err := s.cacheRepo.Delete(ctx, file.ID); err != nil && !errors.Is(err, domain.ErrCacheFileNotFound) {
		s.logger.Error().Err(err).Str("checksum", file.Checksum).Msg("Failed to delete cache ledger entry")
	}

	groups := file.Groups
	if len(groups) == 0 {
		groups = []string{""}
	}
	for _, groupID := range groups {
		err := s.events.PublishFileEvent(ctx, event.FileEvent{
			Type:      event.FileAvailabilityExpired,
			Checksum:  file.Checksum,
			GroupID:   groupID,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("checksum", file.Checksum).Msg("Failed to publish expiration event")
		}
	}
}

func (s *CacheService) refreshGauges(ctx context.Context) {
	if size, err := s.cacheRepo.TotalSize(ctx); err == nil {
		s.metrics.CacheSizeBytes.Set(float64(size))
	}
	if count, err := s.cacheRepo.Count(ctx); err == nil {
		s.metrics.CacheFiles.Set(float64(count))
	}
}
