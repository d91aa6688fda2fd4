package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// StorageRequestService accepts storage requests and turns backend progress
// reports into file references.
type StorageRequestService struct {
	requestRepo  repository.StorageRequestRepository
	refRepo      repository.FileReferenceRepository
	locationRepo repository.StorageLocationRepository
	allocator    AllocationStrategy
	events       event.Publisher
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewStorageRequestService creates a new StorageRequestService.
func NewStorageRequestService(
	requestRepo repository.StorageRequestRepository,
	refRepo repository.FileReferenceRepository,
	locationRepo repository.StorageLocationRepository,
	allocator AllocationStrategy,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *StorageRequestService {
	return &StorageRequestService{
		requestRepo:  requestRepo,
		refRepo:      refRepo,
		locationRepo: locationRepo,
		allocator:    allocator,
		events:       events,
		metrics:      m,
		logger:       logger.With().Str("service", "storage-requests").Logger(),
	}
}

// StoreFileInput describes one file to store.
type StoreFileInput struct {
	Checksum     string
	Algorithm    string
	FileName     string
	Size         int64
	MimeType     string
	OriginURL    string
	Storage      string
	SubDirectory string
	Owner        string
}

// Submit records storage requests for later dispatch. Files already
// referenced on their destination storage are not re-stored; the new owner is
// appended to the existing reference instead.
func (s *StorageRequestService) Submit(ctx context.Context, groupID string, inputs []StoreFileInput) error {
	var locations []*domain.StorageLocationConfiguration

	for _, input := range inputs {
		if input.Checksum == "" || input.Algorithm == "" {
			return fmt.Errorf("checksum and algorithm are required")
		}
		if input.OriginURL == "" {
			return fmt.Errorf("origin URL is required for %s", input.Checksum)
		}

		if input.Storage == "" {
			if locations == nil {
				var err error
				if locations, err = s.locationRepo.List(ctx); err != nil {
					return err
				}
			}
			meta := domain.FileMetaInfo{Checksum: input.Checksum, Size: input.Size}
			storage, err := s.allocator.Allocate(ctx, meta, locations)
			if err != nil {
				return err
			}
			input.Storage = storage
		}

		existing, err := s.refRepo.GetByStorageAndChecksum(ctx, input.Storage, input.Checksum)
		if err == nil {
			s.appendOwner(ctx, existing, input.Owner)
			s.publishFile(ctx, event.FileStored, input.Checksum, input.Storage, groupID, existing.Location.URL, "already stored")
			continue
		}
		if !errors.Is(err, domain.ErrFileReferenceNotFound) {
			return err
		}

		req := &domain.FileStorageRequest{
			MetaInfo: domain.FileMetaInfo{
				Checksum:  input.Checksum,
				Algorithm: input.Algorithm,
				FileName:  input.FileName,
				Size:      input.Size,
				MimeType:  input.MimeType,
			},
			OriginURL:    input.OriginURL,
			Storage:      input.Storage,
			SubDirectory: input.SubDirectory,
			GroupID:      groupID,
			Status:       domain.RequestStatusTodo,
			CreatedAt:    time.Now().UTC(),
		}
		if input.Owner != "" {
			req.Owners = []string{input.Owner}
		}
		if err := s.requestRepo.Create(ctx, req); err != nil {
			return err
		}
	}

	return nil
}

// Retry returns errored requests on a storage location to the dispatch queue.
func (s *StorageRequestService) Retry(ctx context.Context, storage string) (int, error) {
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
func (s *StorageRequestService) NewProgress(ctx context.Context, jobID string) backend.StorageProgress {
	return &storageProgress{svc: s, ctx: ctx, jobID: jobID}
}

// storageProgress persists storage outcomes reported by a backend.
type storageProgress struct {
	svc   *StorageRequestService
	ctx   context.Context
	jobID string
}

func (p *storageProgress) Succeed(req *domain.FileStorageRequest, storedURL string, size int64) {
	p.succeed(req, storedURL, size, false, false)
}

func (p *storageProgress) SucceedWithPendingAction(req *domain.FileStorageRequest, storedURL string, size int64, notifyAdministrators bool) {
	p.succeed(req, storedURL, size, true, notifyAdministrators)
}

func (p *storageProgress) succeed(req *domain.FileStorageRequest, storedURL string, size int64, pendingAction, notifyAdministrators bool) {
	s := p.svc

	meta := req.MetaInfo
	if size > 0 {
		meta.Size = size
	}
	ref := &domain.FileReference{
		MetaInfo: meta,
		Location: domain.FileLocation{
			Storage:                req.Storage,
			URL:                    storedURL,
			PendingActionRemaining: pendingAction,
		},
		Owners:    req.Owners,
		CreatedAt: time.Now().UTC(),
	}

	err := s.refRepo.Create(p.ctx, ref)
	if errors.Is(err, domain.ErrFileReferenceAlreadyExists) {
		// A concurrent request stored the same checksum first. Merge owners
		// into the surviving reference.
		if existing, getErr := s.refRepo.GetByStorageAndChecksum(p.ctx, req.Storage, req.MetaInfo.Checksum); getErr == nil {
			for _, owner := range req.Owners {
				s.appendOwner(p.ctx, existing, owner)
			}
			err = nil
		}
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("checksum", req.MetaInfo.Checksum).
			Str("storage", req.Storage).
			Msg("Failed to persist file reference after successful store")
		p.Failed(req, fmt.Sprintf("file stored but reference could not be saved: %v", err))
		return
	}

	if err := s.requestRepo.Delete(p.ctx, req.ID); err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to delete completed storage request")
	}

	if notifyAdministrators {
		s.logger.Warn().
			Str("checksum", req.MetaInfo.Checksum).
			Str("storage", req.Storage).
			Str("url", storedURL).
			Msg("Stored file requires administrator attention for its pending action")
	}

	s.metrics.RequestOutcomes.WithLabelValues("storage", "success").Inc()
	s.publishFile(p.ctx, event.FileStored, req.MetaInfo.Checksum, req.Storage, req.GroupID, storedURL, "")

	s.logger.Info().
		Str("checksum", req.MetaInfo.Checksum).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Bool("pending_action", pendingAction).
		Msg("File stored")
}

func (p *storageProgress) Failed(req *domain.FileStorageRequest, cause string) {
	s := p.svc

	if err := s.requestRepo.UpdateStatus(p.ctx, req.ID, domain.RequestStatusError, p.jobID, cause); err != nil {
		s.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark storage request errored")
	}

	s.metrics.RequestOutcomes.WithLabelValues("storage", "error").Inc()
	s.publishFile(p.ctx, event.FileStoreError, req.MetaInfo.Checksum, req.Storage, req.GroupID, "", cause)

	s.logger.Warn().
		Str("checksum", req.MetaInfo.Checksum).
		Str("storage", req.Storage).
		Str("job_id", p.jobID).
		Str("cause", cause).
		Msg("File storage failed")
}

func (s *StorageRequestService) appendOwner(ctx context.Context, ref *domain.FileReference, owner string) {
	if owner == "" {
		return
	}
	for _, o := range ref.Owners {
		if o == owner {
			return
		}
	}
	ref.Owners = append(ref.Owners, owner)
	if err := s.refRepo.Update(ctx, ref); err != nil {
		s.logger.Error().Err(err).
			Str("checksum", ref.Checksum()).
			Str("owner", owner).
			Msg("Failed to append owner to file reference")
	}
}

func (s *StorageRequestService) publishFile(ctx context.Context, typ event.FileEventType, checksum, storage, groupID, url, message string) {
	err := s.events.PublishFileEvent(ctx, event.FileEvent{
		Type:      typ,
		Checksum:  checksum,
		Storage:   storage,
		GroupID:   groupID,
		URL:       url,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to publish file event")
	}
}
