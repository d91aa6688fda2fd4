package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// DeletionRequestService accepts deletion requests and removes file
// references once backends confirm physical deletion.
type DeletionRequestService struct {
	requestRepo repository.DeletionRequestRepository
	refRepo     repository.FileReferenceRepository
	events      event.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewDeletionRequestService creates a new DeletionRequestService.
func NewDeletionRequestService(
	requestRepo repository.DeletionRequestRepository,
	refRepo repository.FileReferenceRepository,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *DeletionRequestService {
	return &DeletionRequestService{
		requestRepo: requestRepo,
		refRepo:     refRepo,
		events:      events,
		metrics:     m,
		logger:      logger.With().Str("service", "deletion-requests").Logger(),
	}
}

// Submit withdraws one owner from a referenced file. The physical file is
// only scheduled for deletion when the last owner lets go; until then only
// the ownership list shrinks.
func (s *DeletionRequestService) Submit(ctx context.Context, groupID, storage, checksum, owner string, forceDelete bool) error {
	ref, err := s.refRepo.GetByStorageAndChecksum(ctx, storage, checksum)
	if err != nil {
		return err
	}

	if owner != "" {
		remaining := ref.Owners[:0]
		for _, o := range ref.Owners {
			if o != owner {
				remaining = append(remaining, o)
			}
		}
		ref.Owners = remaining
		if len(ref.Owners) > 0 {
			return s.refRepo.Update(ctx, ref)
		}
	}

	req := &domain.FileDeletionRequest{
		FileReference: ref,
		Storage:       storage,
		ForceDelete:   forceDelete,
		GroupID:       groupID,
		Status:        domain.RequestStatusTodo,
		CreatedAt:     time.Now().UTC(),
	}
	return s.requestRepo.Create(ctx, req)
}

// Retry returns errored requests on a storage location to the dispatch queue.
func (s *DeletionRequestService) Retry(ctx context.Context, storage string) (int, error) {
	retried := 0
	for {
		reqs, err := s.requestRepo.FindByStorageAndStatus(ctx, storage, domain.RequestStatusError, 500)
		if err != nil {
			return retried, err
		}
		if len(reqs) == 0 {
			break
		}
		for _, req := range reqs {
			if err := s.requestRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusTodo, "", ""); err != nil {
				return retried, err
			}
			retried++
		}
	}
	return retried, nil
}

// NewProgress returns the progress reporter for one executor job.
func (s *DeletionRequestService) NewProgress(ctx context.Context, jobID string) backend.DeletionProgress {
	return &deletionProgress{svc: s, ctx: ctx, jobID: jobID}
}

// deletionProgress persists deletion outcomes reported by a backend.
type deletionProgress struct {
	svc   *DeletionRequestService
	ctx   context.Context
	jobID string
}

func (p *deletionProgress) Succeed(req *domain.FileDeletionRequest) {
	s := p.svc

	s.removeReference(p.ctx, req)
	if err := s.requestRepo.Delete(p.ctx, req.ID); err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to delete completed deletion request")
	}

	s.metrics.RequestOutcomes.WithLabelValues("deletion", "success").Inc()
	s.publishFile(p.ctx, event.FileDeleted, req, "")

	s.logger.Info().
		Str("checksum", req.Checksum()).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Msg("File deleted")
}

func (p *deletionProgress) Failed(req *domain.FileDeletionRequest, cause string) {
	s := p.svc

	if req.ForceDelete {
		// The caller asked for the reference to disappear regardless of
		// whether the physical bytes could be removed.
		s.removeReference(p.ctx, req)
		if err := s.requestRepo.Delete(p.ctx, req.ID); err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
			s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to delete forced deletion request")
		}
		s.metrics.RequestOutcomes.WithLabelValues("deletion", "forced").Inc()
		s.publishFile(p.ctx, event.FileDeleted, req, "reference removed, physical deletion failed: "+cause)
		return
	}

	if err := s.requestRepo.UpdateStatus(p.ctx, req.ID, domain.RequestStatusError, p.jobID, cause); err != nil {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark deletion request errored")
	}

	s.metrics.RequestOutcomes.WithLabelValues("deletion", "error").Inc()
	s.publishFile(p.ctx, event.FileDeleteError, req, cause)

	s.logger.Warn().
		Str("checksum", req.Checksum()).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Str("cause", cause).
		Msg("File deletion failed")
}

func (s *DeletionRequestService) removeReference(ctx context.Context, req *domain.FileDeletionRequest) {
	if req.FileReference == nil {
		return
	}
	if err := s.refRepo.Delete(ctx, req.FileReference.ID); err != nil && !errors.Is(err, domain.ErrFileReferenceNotFound) {
		s.logger.Error().Err(err).
			Str("checksum", req.Checksum()).
			Str("storage", req.Storage).
			Msg("Failed to delete file reference")
	}
}

func (s *DeletionRequestService) publishFile(ctx context.Context, typ event.FileEventType, req *domain.FileDeletionRequest, message string) {
	err := s.events.PublishFileEvent(ctx, event.FileEvent{
		Type:      typ,
		Checksum:  req.Checksum(),
		Storage:   req.Storage,
		GroupID:   req.GroupID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", req.Checksum()).Msg("Failed to publish file event")
	}
}
