package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// Download is an open stream of file bytes plus the metadata needed to serve it.
type Download struct {
	Reader   io.ReadCloser
	FileName string
	MimeType string
	Size     int64
}

// DownloadService serves file bytes from the cheapest available source:
// the internal disk cache, then an online copy, then a backend-confirmed
// external copy. It keeps the cache ledger consistent with what downloads
// actually observe.
type DownloadService struct {
	refRepo      repository.FileReferenceRepository
	locationRepo repository.StorageLocationRepository
	registry     *backend.Registry
	cache        *CacheService
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewDownloadService creates a new DownloadService.
func NewDownloadService(
	refRepo repository.FileReferenceRepository,
	locationRepo repository.StorageLocationRepository,
	registry *backend.Registry,
	cache *CacheService,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *DownloadService {
	return &DownloadService{
		refRepo:      refRepo,
		locationRepo: locationRepo,
		registry:     registry,
		cache:        cache,
		metrics:      m,
		logger:       logger.With().Str("service", "download").Logger(),
	}
}

// DownloadFile opens a stream for the given checksum.
//
// Returns domain.ErrFileNotAvailable when no source can serve the file right
// now (the caller should request availability first), and
// domain.ErrDownloadTransient when a source exists but failed temporarily.
func (s *DownloadService) DownloadFile(ctx context.Context, checksum string) (*Download, error) {
	// 1. Internal cache: serve straight from disk.
	cacheFile, err := s.cache.GetUsableOne(ctx, checksum)
	if err != nil && !errors.Is(err, domain.ErrCacheFileNotFound) {
		return nil, err
	}
	if cacheFile != nil && cacheFile.Type == domain.CacheFileInternal {
		dl, err := s.openInternal(ctx, cacheFile)
		if err == nil {
			s.metrics.Downloads.WithLabelValues("cache", "success").Inc()
			return dl, nil
		}
		if !errors.Is(err, domain.ErrCacheFileNotFound) {
			// The file is still on disk, it just could not be opened. The
			// entry stays and the caller may retry.
			return nil, fmt.Errorf("%w: %v", domain.ErrDownloadTransient, err)
		}
		// The ledger entry was stale; fall through to the backends.
	}

	refs, err := s.refRepo.GetByChecksum(ctx, checksum)
	if err != nil {
		return nil, err
	}
	best, err := bestReferences(ctx, s.locationRepo, refs)
	if err != nil {
		return nil, err
	}
	classified, ok := best[checksum]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not referenced on any storage location", domain.ErrFileNotAvailable, checksum)
	}

	switch classified.Type {
	case domain.StorageTypeOnline:
		dl, err := s.downloadFromBackend(ctx, classified.Ref, "online")
		if err != nil {
			return nil, err
		}
		return dl, nil

	case domain.StorageTypeNearline:
		// Only a backend-confirmed external copy makes a nearline file
		// directly downloadable.
		if cacheFile == nil || cacheFile.Type != domain.CacheFileExternal {
			return nil, fmt.Errorf("%w: %s requires restoration from nearline storage", domain.ErrFileNotAvailable, checksum)
		}
		dl, err := s.downloadFromBackend(ctx, classified.Ref, "external")
		if err != nil {
			if errors.Is(err, domain.ErrFileNotAvailable) {
				// The backend no longer holds the fast-tier copy the ledger
				// promised. Drop the stale entry so later checks answer
				// honestly.
				if invErr := s.cache.Invalidate(ctx, checksum); invErr != nil {
					s.logger.Error().Err(invErr).Str("checksum", checksum).Msg("Failed to invalidate stale cache entry")
				}
			}
			return nil, err
		}
		return dl, nil

	default:
		return nil, fmt.Errorf("%w: %s is stored offline", domain.ErrFileNotAvailable, checksum)
	}
}

// openInternal serves a cached file from local disk. A missing file drops the
// ledger entry.
func (s *DownloadService) openInternal(ctx context.Context, file *domain.CacheFile) (*Download, error) {
	f, err := os.Open(file.Location)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn().
				Str("checksum", file.Checksum).
				Str("location", file.Location).
				Msg("Cached file missing on disk, dropping ledger entry")
			if invErr := s.cache.Invalidate(ctx, file.Checksum); invErr != nil {
				s.logger.Error().Err(invErr).Str("checksum", file.Checksum).Msg("Failed to invalidate cache entry")
			}
			s.metrics.Downloads.WithLabelValues("cache", "miss").Inc()
			return nil, domain.ErrCacheFileNotFound
		}
		s.metrics.Downloads.WithLabelValues("cache", "error").Inc()
		return nil, fmt.Errorf("failed to open cached file: %w", err)
	}

	return &Download{
		Reader:   f,
		FileName: file.FileName,
		MimeType: file.MimeType,
		Size:     file.Size,
	}, nil
}

// downloadFromBackend streams the file through its storage backend,
// translating backend sentinels into domain errors.
func (s *DownloadService) downloadFromBackend(ctx context.Context, ref *domain.FileReference, source string) (*Download, error) {
	conf, err := s.locationRepo.GetByName(ctx, ref.Location.Storage)
	if err != nil {
		return nil, err
	}
	b, err := s.registry.Resolve(conf)
	if err != nil {
		return nil, err
	}

	reader, err := b.Download(ctx, ref)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrNotAvailable):
			s.metrics.Downloads.WithLabelValues(source, "miss").Inc()
			return nil, fmt.Errorf("%w: %s", domain.ErrFileNotAvailable, ref.Checksum())
		case errors.Is(err, backend.ErrNotSupported):
			s.metrics.Downloads.WithLabelValues(source, "error").Inc()
			return nil, fmt.Errorf("%w: storage %s has no download capability", domain.ErrFileNotAvailable, ref.Location.Storage)
		default:
			s.metrics.Downloads.WithLabelValues(source, "error").Inc()
			return nil, fmt.Errorf("%w: %v", domain.ErrDownloadTransient, err)
		}
	}

	s.metrics.Downloads.WithLabelValues(source, "success").Inc()
	return &Download{
		Reader:   reader,
		FileName: ref.MetaInfo.FileName,
		MimeType: ref.MetaInfo.MimeType,
		Size:     ref.MetaInfo.Size,
	}, nil
}
