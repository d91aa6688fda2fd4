package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/lock"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// CopyService duplicates referenced files onto other storage locations. The
// bytes always travel through the internal cache: a copy request first makes
// the source copy available, then submits a storage request reading from the
// cached copy. Requests survive restarts in the copy queue and are advanced
// by a periodic run.
type CopyService struct {
	copyRepo     repository.CopyRequestRepository
	refRepo      repository.FileReferenceRepository
	locationRepo repository.StorageLocationRepository
	cacheReqRepo repository.CacheRequestRepository
	cache        *CacheService
	restoration  *RestorationService
	storage      *StorageRequestService
	events       event.Publisher
	locker       lock.Locker
	logger       zerolog.Logger
	config       CopyConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// CopyConfig contains copy run scheduling configuration.
type CopyConfig struct {
	// Enabled determines if the copy loop runs automatically.
	Enabled bool

	// Interval is how often pending copy requests are advanced.
	Interval time.Duration

	// BatchSize is the page size of each run.
	BatchSize int
}

// DefaultCopyConfig returns sensible defaults.
func DefaultCopyConfig() CopyConfig {
	return CopyConfig{
		Enabled:   true,
		Interval:  30 * time.Second,
		BatchSize: 100,
	}
}

// NewCopyService creates a new CopyService.
func NewCopyService(
	copyRepo repository.CopyRequestRepository,
	refRepo repository.FileReferenceRepository,
	locationRepo repository.StorageLocationRepository,
	cacheReqRepo repository.CacheRequestRepository,
	cache *CacheService,
	restoration *RestorationService,
	storage *StorageRequestService,
	events event.Publisher,
	locker lock.Locker,
	logger zerolog.Logger,
	config CopyConfig,
) *CopyService {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultCopyConfig().BatchSize
	}
	return &CopyService{
		copyRepo:     copyRepo,
		refRepo:      refRepo,
		locationRepo: locationRepo,
		cacheReqRepo: cacheReqRepo,
		cache:        cache,
		restoration:  restoration,
		storage:      storage,
		events:       events,
		locker:       locker,
		logger:       logger.With().Str("service", "copy").Logger(),
		config:       config,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// CopyFileInput describes one file to copy.
type CopyFileInput struct {
	Checksum           string
	DestinationStorage string
	SubDirectory       string
}

// SubmitCopies records copy requests for later processing. Files already
// referenced on their destination storage are reported as stored right away.
func (s *CopyService) SubmitCopies(ctx context.Context, groupID string, inputs []CopyFileInput) error {
	for _, input := range inputs {
		if input.Checksum == "" || input.DestinationStorage == "" {
			return fmt.Errorf("checksum and destination storage are required")
		}
		if _, err := s.locationRepo.GetByName(ctx, input.DestinationStorage); err != nil {
			return err
		}

		existing, err := s.refRepo.GetByStorageAndChecksum(ctx, input.DestinationStorage, input.Checksum)
		if err == nil {
			s.publishCopyOutcome(ctx, event.FileStored, input.Checksum, input.DestinationStorage, groupID, existing.Location.URL, "already stored")
			continue
		}
		if !errors.Is(err, domain.ErrFileReferenceNotFound) {
			return err
		}

		refs, err := s.refRepo.GetByChecksum(ctx, input.Checksum)
		if err != nil {
			return err
		}
		best, err := bestReferences(ctx, s.locationRepo, refs)
		if err != nil {
			return err
		}
		classified, ok := best[input.Checksum]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrFileReferenceNotFound, input.Checksum)
		}
		if classified.Type == domain.StorageTypeOffline {
			return fmt.Errorf("%s is only stored offline and cannot be copied", input.Checksum)
		}

		req := &domain.FileCopyRequest{
			MetaInfo:           classified.Ref.MetaInfo,
			SourceStorage:      classified.Ref.Location.Storage,
			SourceURL:          classified.Ref.Location.URL,
			DestinationStorage: input.DestinationStorage,
			SubDirectory:       input.SubDirectory,
			GroupID:            groupID,
			Status:             domain.RequestStatusTodo,
			CreatedAt:          time.Now().UTC(),
		}
		err = s.copyRepo.Create(ctx, req)
		if errors.Is(err, domain.ErrFileReferenceAlreadyExists) {
			s.logger.Debug().
				Str("checksum", input.Checksum).
				Str("destination", input.DestinationStorage).
				Msg("Copy already requested")
			continue
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Retry returns errored copy requests headed for a storage location to the
// queue.
func (s *CopyService) Retry(ctx context.Context, storage string) (int, error) {
	retried := 0
	for {
		reqs, err := s.copyRepo.FindByStorageAndStatus(ctx, storage, domain.RequestStatusError, 500)
		if err != nil {
			return retried, err
		}
		if len(reqs) == 0 {
			break
		}
		for _, req := range reqs {
			if err := s.copyRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusTodo, ""); err != nil {
				return retried, err
			}
			retried++
		}
	}
	return retried, nil
}

// Start begins the copy scheduler.
func (s *CopyService) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Msg("Starting copy runner")

	go s.runLoop()
}

// Stop stops the copy scheduler.
func (s *CopyService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	<-s.doneChan

	s.logger.Info().Msg("Copy runner stopped")
}

// runLoop is the main copy loop.
func (s *CopyService) runLoop() {
	defer close(s.doneChan)

	// Run immediately on start
	s.RunOnce(context.Background())

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce advances every copy request by one step. Can be called manually or
// by the scheduler; a distributed lock keeps concurrent instances from
// advancing the same requests.
func (s *CopyService) RunOnce(ctx context.Context) {
	lockKey := lock.Keys.CopyRun()
	lockTTL := s.config.Interval * 2
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}

	acquired, err := s.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to acquire copy lock")
		return
	}
	if !acquired {
		s.logger.Debug().Msg("Copy lock held by another process, skipping run")
		return
	}
	defer func() {
		if _, err := s.locker.Release(ctx, lockKey); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release copy lock")
		}
	}()

	s.stageRequests(ctx)
	s.transferRequests(ctx)
}

// stageRequests asks for the source copy of every new request to become
// available.
func (s *CopyService) stageRequests(ctx context.Context) {
	reqs, err := s.copyRepo.FindByStatus(ctx, domain.RequestStatusTodo, s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load new copy requests")
		return
	}

	for _, req := range reqs {
		s.stage(ctx, req)
	}
}

func (s *CopyService) stage(ctx context.Context, req *domain.FileCopyRequest) {
	checksum := req.Checksum()

	// Staging restorations report under a derived group so the caller's
	// group only completes once the destination copy exists.
	result, err := s.restoration.MakeAvailable(ctx, stagingGroup(req.GroupID), []string{checksum}, time.Time{})
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to stage copy source")
		return
	}

	if cause, ok := result.Errors[checksum]; ok {
		s.fail(ctx, req, cause)
		return
	}

	if err := s.copyRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusPending, ""); err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to mark copy request pending")
	}
}

// transferRequests submits a storage request for every copy whose source is
// available, reading from the cached copy.
func (s *CopyService) transferRequests(ctx context.Context) {
	reqs, err := s.copyRepo.FindByStatus(ctx, domain.RequestStatusPending, s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load staged copy requests")
		return
	}

	for _, req := range reqs {
		s.transfer(ctx, req)
	}
}

func (s *CopyService) transfer(ctx context.Context, req *domain.FileCopyRequest) {
	checksum := req.Checksum()

	origin, ready, err := s.originFor(ctx, req)
	if err != nil {
		s.fail(ctx, req, err.Error())
		return
	}
	if !ready {
		return
	}

	input := StoreFileInput{
		Checksum:     req.MetaInfo.Checksum,
		Algorithm:    req.MetaInfo.Algorithm,
		FileName:     req.MetaInfo.FileName,
		Size:         req.MetaInfo.Size,
		MimeType:     req.MetaInfo.MimeType,
		OriginURL:    origin,
		Storage:      req.DestinationStorage,
		SubDirectory: req.SubDirectory,
	}
	if err := s.storage.Submit(ctx, req.GroupID, []StoreFileInput{input}); err != nil {
		s.fail(ctx, req, err.Error())
		return
	}

	if err := s.copyRepo.Delete(ctx, req.ID); err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to remove handed-off copy request")
		return
	}

	s.logger.Info().
		Str("checksum", checksum).
		Str("source", req.SourceStorage).
		Str("destination", req.DestinationStorage).
		Msg("Copy handed off to storage queue")
}

// originFor resolves the URL the destination backend should read the staged
// bytes from. Not ready means the restoration is still running and the
// request should be looked at again next run.
func (s *CopyService) originFor(ctx context.Context, req *domain.FileCopyRequest) (origin string, ready bool, err error) {
	checksum := req.Checksum()

	file, err := s.cache.GetUsableOne(ctx, checksum)
	if err == nil {
		if file.Type == domain.CacheFileInternal {
			return "file://" + file.Location, true, nil
		}
		// External entries sit in the backend's own staging area, reachable
		// through the source URL.
		return req.SourceURL, true, nil
	}
	if !errors.Is(err, domain.ErrCacheFileNotFound) {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to look up staged copy")
		return "", false, nil
	}

	cacheReq, err := s.cacheReqRepo.GetByChecksum(ctx, checksum)
	if errors.Is(err, domain.ErrRequestNotFound) {
		// The staged copy expired before this run picked it up. Online
		// sources never leave a cache entry behind, so read them directly.
		if req.SourceURL != "" && s.sourceIsOnline(ctx, req) {
			return req.SourceURL, true, nil
		}
		if updateErr := s.copyRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusTodo, ""); updateErr != nil {
			s.logger.Error().Err(updateErr).Str("checksum", checksum).Msg("Failed to requeue copy request")
		}
		return "", false, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to look up staging restoration")
		return "", false, nil
	}

	if cacheReq.Status == domain.RequestStatusError {
		return "", false, fmt.Errorf("source restoration failed: %s", cacheReq.ErrorCause)
	}

	// Still restoring.
	return "", false, nil
}

func (s *CopyService) sourceIsOnline(ctx context.Context, req *domain.FileCopyRequest) bool {
	location, err := s.locationRepo.GetByName(ctx, req.SourceStorage)
	if err != nil {
		return false
	}
	return location.StorageType == domain.StorageTypeOnline
}

// fail marks a copy request errored and tells the caller's group about it.
func (s *CopyService) fail(ctx context.Context, req *domain.FileCopyRequest, cause string) {
	checksum := req.Checksum()

	if err := s.copyRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusError, cause); err != nil {
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to mark copy request errored")
	}

	s.logger.Warn().
		Str("checksum", checksum).
		Str("destination", req.DestinationStorage).
		Str("cause", cause).
		Msg("Copy request failed")

	s.publishCopyOutcome(ctx, event.FileStoreError, checksum, req.DestinationStorage, req.GroupID, "", cause)
}

func (s *CopyService) publishCopyOutcome(ctx context.Context, typ event.FileEventType, checksum, storage, groupID, url, message string) {
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
		s.logger.Error().Err(err).Str("checksum", checksum).Msg("Failed to publish copy event")
	}
}

// stagingGroup derives the group id used for the availability leg of a copy.
func stagingGroup(groupID string) string {
	if groupID == "" {
		return ""
	}
	return "copy:" + groupID
}
