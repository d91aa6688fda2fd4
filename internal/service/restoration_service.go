package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// RestorationService brings nearline files into the internal cache on demand.
type RestorationService struct {
	requestRepo  repository.CacheRequestRepository
	refRepo      repository.FileReferenceRepository
	locationRepo repository.StorageLocationRepository
	cache        *CacheService
	events       event.Publisher
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewRestorationService creates a new RestorationService.
func NewRestorationService(
	requestRepo repository.CacheRequestRepository,
	refRepo repository.FileReferenceRepository,
	locationRepo repository.StorageLocationRepository,
	cache *CacheService,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *RestorationService {
	return &RestorationService{
		requestRepo:  requestRepo,
		refRepo:      refRepo,
		locationRepo: locationRepo,
		cache:        cache,
		events:       events,
		metrics:      m,
		logger:       logger.With().Str("service", "restoration").Logger(),
	}
}

// MakeAvailableResult partitions the requested checksums by outcome.
type MakeAvailableResult struct {
	// Available lists checksums usable right now without restoration.
	Available []string

	// Restoring lists checksums for which a restoration request now exists.
	Restoring []string

	// Errors maps checksums that can never become available, or cannot right
	// now, to the reason.
	Errors map[string]string
}

// MakeAvailable asks for the given checksums to become retrievable until the
// expiration date. Cached and online files answer immediately; nearline files
// get restoration requests, bounded by the cache's free space; offline files
// are reported as errors.
func (s *RestorationService) MakeAvailable(ctx context.Context, groupID string, checksums []string, expiration time.Time) (*MakeAvailableResult, error) {
	if expiration.IsZero() {
		expiration = s.cache.DefaultExpiration(time.Now().UTC())
	}

	result := &MakeAvailableResult{Errors: make(map[string]string)}
	checksums = dedupe(checksums)

	// Already-cached files only need a lifetime extension.
	cached, err := s.cache.GetUsable(ctx, checksums)
	if err != nil {
		return nil, err
	}
	var remaining []string
	for _, checksum := range checksums {
		if file, ok := cached[checksum]; ok {
			if err := s.cache.Touch(ctx, file, expiration, groupID); err != nil {
				s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to extend cache entry")
			}
			result.Available = append(result.Available, checksum)
			s.publishAvailable(ctx, checksum, groupID)
			continue
		}
		remaining = append(remaining, checksum)
	}
	if len(remaining) == 0 {
		s.finishGroupIfDone(ctx, groupID, result)
		return result, nil
	}

	refs, err := s.refRepo.Search(ctx, remaining)
	if err != nil {
		return nil, err
	}
	best, err := bestReferences(ctx, s.locationRepo, refs)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.FileReference
	for _, checksum := range remaining {
		classified, ok := best[checksum]
		if !ok {
			result.Errors[checksum] = "file is not referenced on any storage location"
			s.publishRestoreError(ctx, checksum, groupID, result.Errors[checksum])
			continue
		}
		switch classified.Type {
		case domain.StorageTypeOnline:
			result.Available = append(result.Available, checksum)
			s.publishAvailable(ctx, checksum, groupID)
		case domain.StorageTypeNearline:
			candidates = append(candidates, classified.Ref)
		default:
			result.Errors[checksum] = "file is stored offline and cannot be retrieved automatically"
			s.publishRestoreError(ctx, checksum, groupID, result.Errors[checksum])
		}
	}

	result, err = s.scheduleRestorations(ctx, groupID, expiration, candidates, result)
	if err != nil {
		return nil, err
	}
	s.finishGroupIfDone(ctx, groupID, result)
	return result, nil
}

// finishGroupIfDone closes the group right away when no restoration work was
// scheduled for it. Groups with requests in flight are closed by the progress
// callbacks once the last request finishes.
func (s *RestorationService) finishGroupIfDone(ctx context.Context, groupID string, result *MakeAvailableResult) {
	if groupID == "" || len(result.Restoring) > 0 {
		return
	}
	if len(result.Errors) > 0 {
		causes := make([]string, 0, len(result.Errors))
		for checksum, cause := range result.Errors {
			causes = append(causes, checksum+": "+cause)
		}
		sort.Strings(causes)
		s.publishGroupEvent(ctx, groupID, event.GroupError, causes)
		return
	}
	s.publishGroupEvent(ctx, groupID, event.GroupDone, nil)
}

// scheduleRestorations creates restoration requests for the candidates that
// fit in the cache's remaining space.
func (s *RestorationService) scheduleRestorations(ctx context.Context, groupID string, expiration time.Time, candidates []*domain.FileReference, result *MakeAvailableResult) (*MakeAvailableResult, error) {
	if len(candidates) == 0 {
		return result, nil
	}

	free, err := s.cache.FreeSpace(ctx)
	if err != nil {
		return nil, err
	}

	for _, ref := range candidates {
		checksum := ref.Checksum()

		// A restoration already in flight for this checksum serves the new
		// group too.
		if existing, err := s.requestRepo.GetByChecksum(ctx, checksum); err == nil {
			if existing.Status == domain.RequestStatusError {
				if err := s.requestRepo.UpdateStatus(ctx, existing.ID, domain.RequestStatusTodo, "", ""); err != nil {
					s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to requeue errored restoration")
				}
			}
			result.Restoring = append(result.Restoring, checksum)
			continue
		} else if !errors.Is(err, domain.ErrRequestNotFound) {
			return nil, err
		}

		if ref.MetaInfo.Size > free {
			result.Errors[checksum] = domain.ErrCacheFull.Error()
			s.publishRestoreError(ctx, checksum, groupID, result.Errors[checksum])
			continue
		}
		free -= ref.MetaInfo.Size

		req := &domain.FileCacheRequest{
			FileReference:   ref,
			Storage:         ref.Location.Storage,
			DestinationPath: s.cache.InternalPathFor(checksum),
			ExpirationDate:  expiration,
			GroupID:         groupID,
			Status:          domain.RequestStatusTodo,
			CreatedAt:       time.Now().UTC(),
		}
		if err := s.requestRepo.Create(ctx, req); err != nil {
			if errors.Is(err, domain.ErrFileReferenceAlreadyExists) {
				result.Restoring = append(result.Restoring, checksum)
				continue
			}
			return nil, err
		}
		result.Restoring = append(result.Restoring, checksum)
	}

	return result, nil
}

// Retry requeues every errored restoration request on a storage location.
// Returns the number of requests put back in line.
func (s *RestorationService) Retry(ctx context.Context, storage string) (int, error) {
	retried := 0
	for {
		reqs, err := s.requestRepo.FindByStorageAndStatus(ctx, storage, domain.RequestStatusError, 500)
		if err != nil {
			return retried, err
		}
		if len(reqs) == 0 {
			return retried, nil
		}
		for _, req := range reqs {
			if err := s.requestRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusTodo, "", ""); err != nil {
				return retried, err
			}
			retried++
		}
	}
}

// NewProgress returns the progress reporter for one executor job.
func (s *RestorationService) NewProgress(ctx context.Context, jobID string) backend.RestorationProgress {
	return &restorationProgress{svc: s, ctx: ctx, jobID: jobID}
}

// restorationProgress persists restoration outcomes reported by a backend.
type restorationProgress struct {
	svc   *RestorationService
	ctx   context.Context
	jobID string
}

func (p *restorationProgress) Succeed(req *domain.FileCacheRequest, restoredPath string, size int64) {
	s := p.svc

	if _, err := s.cache.AddInternal(p.ctx, req.FileReference, restoredPath, req.ExpirationDate, req.GroupID); err != nil {
		s.logger.Error().Err(err).
			Str("checksum", req.Checksum()).
			Msg("Failed to record restored file in cache ledger")
		p.Failed(req, "file restored but cache ledger entry could not be saved: "+err.Error())
		return
	}

	if err := s.requestRepo.Delete(p.ctx, req.ID); err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to delete completed restoration request")
	}

	s.metrics.RequestOutcomes.WithLabelValues("restoration", "success").Inc()
	s.publishAvailable(p.ctx, req.Checksum(), req.GroupID)

	// The last finished request closes the whole group.
	if req.GroupID != "" {
		active, err := s.requestRepo.CountActiveByGroup(p.ctx, req.GroupID)
		if err != nil {
			s.logger.Error().Err(err).Str("group_id", req.GroupID).Msg("Failed to count remaining group requests")
		} else if active == 0 {
			s.publishGroupEvent(p.ctx, req.GroupID, event.GroupDone, nil)
		}
	}

	s.logger.Info().
		Str("checksum", req.Checksum()).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Str("path", restoredPath).
		Msg("File restored to cache")
}

func (p *restorationProgress) Failed(req *domain.FileCacheRequest, cause string) {
	s := p.svc

	if err := s.requestRepo.UpdateStatus(p.ctx, req.ID, domain.RequestStatusError, p.jobID, cause); err != nil {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark restoration request errored")
	}

	s.metrics.RequestOutcomes.WithLabelValues("restoration", "error").Inc()
	s.publishRestoreError(p.ctx, req.Checksum(), req.GroupID, cause)
	if req.GroupID != "" {
		s.publishGroupEvent(p.ctx, req.GroupID, event.GroupError, []string{req.Checksum() + ": " + cause})
	}

	s.logger.Warn().
		Str("checksum", req.Checksum()).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Str("cause", cause).
		Msg("File restoration failed")
}

func (s *RestorationService) publishAvailable(ctx context.Context, checksum, groupID string) {
	err := s.events.PublishFileEvent(ctx, event.FileEvent{
		Type:      event.FileAvailable,
		Checksum:  checksum,
		GroupID:   groupID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to publish availability event")
	}
}

func (s *RestorationService) publishGroupEvent(ctx context.Context, groupID string, eventType event.GroupEventType, causes []string) {
	err := s.events.PublishGroupEvent(ctx, event.GroupEvent{
		Type:      eventType,
		GroupID:   groupID,
		Errors:    causes,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("group_id", groupID).Msg("Failed to publish group event")
	}
}

func (s *RestorationService) publishRestoreError(ctx context.Context, checksum, groupID, cause string) {
	err := s.events.PublishFileEvent(ctx, event.FileEvent{
		Type:      event.FileRestoreError,
		Checksum:  checksum,
		GroupID:   groupID,
		Message:   cause,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to publish restore error event")
	}
}

// dedupe returns the input checksums with duplicates removed, order preserved.
func dedupe(checksums []string) []string {
	seen := make(map[string]struct{}, len(checksums))
	out := checksums[:0:0]
	for _, c := range checksums {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
