package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/executor"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// errNotHandled is the cause recorded on requests a backend silently dropped
// during preparation: every request must land in a working subset or a
// rejection, never in neither.
const errNotHandled = "Request has not been handled by the storage backend."

// errNoResult is the cause recorded on requests a backend executed without
// reporting any outcome.
const errNoResult = "No result reported by the storage backend."

// DispatchConfig contains dispatch scheduling configuration.
type DispatchConfig struct {
	// Enabled determines if the dispatch loop runs automatically.
	Enabled bool

	// Interval is how often pending requests are collected.
	Interval time.Duration

	// RequestsPerRun is the maximum requests per storage pulled in one run.
	RequestsPerRun int
}

// DefaultDispatchConfig returns sensible defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Enabled:        true,
		Interval:       10 * time.Second,
		RequestsPerRun: 500,
	}
}

// Dispatcher periodically collects eligible requests, groups them by storage
// location, lets each backend partition its batch into working subsets, and
// hands every subset to the executor exactly once.
type Dispatcher struct {
	storageReqs    repository.StorageRequestRepository
	deletionReqs   repository.DeletionRequestRepository
	cacheReqs      repository.CacheRequestRepository
	locations      *LocationService
	storageSvc     *StorageRequestService
	deletionSvc    *DeletionRequestService
	restorationSvc *RestorationService
	exec           executor.Executor
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	config         DispatchConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(
	storageReqs repository.StorageRequestRepository,
	deletionReqs repository.DeletionRequestRepository,
	cacheReqs repository.CacheRequestRepository,
	locations *LocationService,
	storageSvc *StorageRequestService,
	deletionSvc *DeletionRequestService,
	restorationSvc *RestorationService,
	exec executor.Executor,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config DispatchConfig,
) *Dispatcher {
	return &Dispatcher{
		storageReqs:    storageReqs,
		deletionReqs:   deletionReqs,
		cacheReqs:      cacheReqs,
		locations:      locations,
		storageSvc:     storageSvc,
		deletionSvc:    deletionSvc,
		restorationSvc: restorationSvc,
		exec:           exec,
		metrics:        m,
		logger:         logger.With().Str("service", "dispatch").Logger(),
		config:         config,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// Start begins the dispatch scheduler.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info().
		Dur("interval", d.config.Interval).
		Int("requests_per_run", d.config.RequestsPerRun).
		Msg("Starting request dispatcher")

	go d.runLoop()
}

// Stop stops the dispatch scheduler.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	<-d.doneChan

	d.logger.Info().Msg("Request dispatcher stopped")
}

// runLoop is the main dispatch loop.
func (d *Dispatcher) runLoop() {
	defer close(d.doneChan)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.DispatchOnce(context.Background())
		case <-d.stopChan:
			return
		}
	}
}

// DispatchOnce runs one collection pass over the three request queues.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	d.dispatchStorage(ctx)
	d.dispatchDeletions(ctx)
	d.dispatchRestorations(ctx)
}

func (d *Dispatcher) dispatchStorage(ctx context.Context) {
	storages, err := d.storageReqs.Storages(ctx, domain.RequestStatusTodo)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list storages with pending storage requests")
		return
	}

	for _, storage := range storages {
		reqs, err := d.storageReqs.FindByStorageAndStatus(ctx, storage, domain.RequestStatusTodo, d.config.RequestsPerRun)
		if err != nil {
			d.logger.Error().Err(err).Str("storage", storage).Msg("Failed to collect storage requests")
			continue
		}
		if len(reqs) == 0 {
			continue
		}

		b, _, err := d.locations.ResolveBackend(ctx, storage)
		if err != nil {
			d.failStorageRequests(ctx, reqs, fmt.Sprintf("storage location unavailable: %v", err))
			continue
		}

		prep, err := b.PrepareForStorage(ctx, reqs)
		if err != nil {
			d.failStorageRequests(ctx, reqs, fmt.Sprintf("storage preparation failed: %v", err))
			continue
		}

		handled := make(map[int64]bool, len(reqs))
		for req, reason := range prep.Errors {
			handled[req.ID] = true
			d.markStorageError(ctx, req, reason)
		}

		for _, subset := range prep.WorkingSubsets {
			subset := subset
			jobID := uuid.NewString()
			job := executor.Job{ID: jobID, Run: func(jobCtx context.Context) {
				d.runStorageSubset(jobCtx, b, subset, jobID)
			}}
			for _, req := range subset.Requests {
				handled[req.ID] = true
				if err := d.storageReqs.UpdateStatus(ctx, req.ID, domain.RequestStatusPending, job.ID, ""); err != nil {
					d.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark storage request pending")
				}
			}
			d.metrics.DispatchedRequests.WithLabelValues("storage").Add(float64(len(subset.Requests)))
			if err := d.exec.Submit(job); err != nil {
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to submit storage job")
				d.failStorageRequests(ctx, subset.Requests, "executor rejected the job: "+err.Error())
			}
		}

		for _, req := range reqs {
			if !handled[req.ID] {
				d.markStorageError(ctx, req, errNotHandled)
			}
		}
	}
}

func (d *Dispatcher) runStorageSubset(ctx context.Context, b backend.Backend, subset backend.StorageWorkingSubset, jobID string) {
	tracked := newTrackedStorageProgress(d.storageSvc.NewProgress(ctx, jobID), d.logger)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Storage backend panicked during subset execution")
			tracked.failUnreported(subset.Requests, fmt.Sprintf("storage backend panicked: %v", r))
		}
	}()

	if err := b.Store(ctx, subset, tracked); err != nil {
		tracked.failUnreported(subset.Requests, "storage backend failed: "+err.Error())
		return
	}
	tracked.failUnreported(subset.Requests, errNoResult)
}

func (d *Dispatcher) failStorageRequests(ctx context.Context, reqs []*domain.FileStorageRequest, cause string) {
	for _, req := range reqs {
		d.markStorageError(ctx, req, cause)
	}
}

func (d *Dispatcher) markStorageError(ctx context.Context, req *domain.FileStorageRequest, cause string) {
	d.storageSvc.NewProgress(ctx, "").Failed(req, cause)
}

func (d *Dispatcher) dispatchDeletions(ctx context.Context) {
	storages, err := d.deletionReqs.Storages(ctx, domain.RequestStatusTodo)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list storages with pending deletion requests")
		return
	}

	for _, storage := range storages {
		reqs, err := d.deletionReqs.FindByStorageAndStatus(ctx, storage, domain.RequestStatusTodo, d.config.RequestsPerRun)
		if err != nil {
			d.logger.Error().Err(err).Str("storage", storage).Msg("Failed to collect deletion requests")
			continue
		}
		if len(reqs) == 0 {
			continue
		}

		b, _, err := d.locations.ResolveBackend(ctx, storage)
		if err != nil {
			d.failDeletionRequests(ctx, reqs, fmt.Sprintf("storage location unavailable: %v", err))
			continue
		}

		prep, err := b.PrepareForDeletion(ctx, reqs)
		if err != nil {
			d.failDeletionRequests(ctx, reqs, fmt.Sprintf("deletion preparation failed: %v", err))
			continue
		}

		handled := make(map[int64]bool, len(reqs))
		for req, reason := range prep.Errors {
			handled[req.ID] = true
			d.deletionSvc.NewProgress(ctx, "").Failed(req, reason)
		}

		for _, subset := range prep.WorkingSubsets {
			subset := subset
			jobID := uuid.NewString()
			job := executor.Job{ID: jobID, Run: func(jobCtx context.Context) {
				d.runDeletionSubset(jobCtx, b, subset, jobID)
			}}
			for _, req := range subset.Requests {
				handled[req.ID] = true
				if err := d.deletionReqs.UpdateStatus(ctx, req.ID, domain.RequestStatusPending, job.ID, ""); err != nil {
					d.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark deletion request pending")
				}
			}
			d.metrics.DispatchedRequests.WithLabelValues("deletion").Add(float64(len(subset.Requests)))
			if err := d.exec.Submit(job); err != nil {
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to submit deletion job")
				d.failDeletionRequests(ctx, subset.Requests, "executor rejected the job: "+err.Error())
			}
		}

		for _, req := range reqs {
			if !handled[req.ID] {
				d.deletionSvc.NewProgress(ctx, "").Failed(req, errNotHandled)
			}
		}
	}
}

func (d *Dispatcher) runDeletionSubset(ctx context.Context, b backend.Backend, subset backend.DeletionWorkingSubset, jobID string) {
	tracked := newTrackedDeletionProgress(d.deletionSvc.NewProgress(ctx, jobID), d.logger)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Storage backend panicked during deletion subset")
			tracked.failUnreported(subset.Requests, fmt.Sprintf("storage backend panicked: %v", r))
		}
	}()

	if err := b.Delete(ctx, subset, tracked); err != nil {
		tracked.failUnreported(subset.Requests, "deletion failed: "+err.Error())
		return
	}
	tracked.failUnreported(subset.Requests, errNoResult)
}

func (d *Dispatcher) failDeletionRequests(ctx context.Context, reqs []*domain.FileDeletionRequest, cause string) {
	for _, req := range reqs {
		d.deletionSvc.NewProgress(ctx, "").Failed(req, cause)
	}
}

func (d *Dispatcher) dispatchRestorations(ctx context.Context) {
	storages, err := d.cacheReqs.Storages(ctx, domain.RequestStatusTodo)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list storages with pending restoration requests")
		return
	}

	for _, storage := range storages {
		reqs, err := d.cacheReqs.FindByStorageAndStatus(ctx, storage, domain.RequestStatusTodo, d.config.RequestsPerRun)
		if err != nil {
			d.logger.Error().Err(err).Str("storage", storage).Msg("Failed to collect restoration requests")
			continue
		}
		if len(reqs) == 0 {
			continue
		}

		b, _, err := d.locations.ResolveBackend(ctx, storage)
		if err != nil {
			d.failRestorationRequests(ctx, reqs, fmt.Sprintf("storage location unavailable: %v", err))
			continue
		}

		prep, err := b.PrepareForRestoration(ctx, reqs)
		if err != nil {
			d.failRestorationRequests(ctx, reqs, fmt.Sprintf("restoration preparation failed: %v", err))
			continue
		}

		handled := make(map[int64]bool, len(reqs))
		for req, reason := range prep.Errors {
			handled[req.ID] = true
			d.restorationSvc.NewProgress(ctx, "").Failed(req, reason)
		}

		for _, subset := range prep.WorkingSubsets {
			subset := subset
			jobID := uuid.NewString()
			job := executor.Job{ID: jobID, Run: func(jobCtx context.Context) {
				d.runRestorationSubset(jobCtx, b, subset, jobID)
			}}
			for _, req := range subset.Requests {
				handled[req.ID] = true
				if err := d.cacheReqs.UpdateStatus(ctx, req.ID, domain.RequestStatusPending, job.ID, ""); err != nil {
					d.logger.Error().Err(err).Int64("request_id", req.ID).Msg("Failed to mark restoration request pending")
				}
			}
			d.metrics.DispatchedRequests.WithLabelValues("restoration").Add(float64(len(subset.Requests)))
			if err := d.exec.Submit(job); err != nil {
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to submit restoration job")
				d.failRestorationRequests(ctx, subset.Requests, "executor rejected the job: "+err.Error())
			}
		}

		for _, req := range reqs {
			if !handled[req.ID] {
				d.restorationSvc.NewProgress(ctx, "").Failed(req, errNotHandled)
			}
		}
	}
}

func (d *Dispatcher) runRestorationSubset(ctx context.Context, b backend.Backend, subset backend.RestorationWorkingSubset, jobID string) {
	tracked := newTrackedRestorationProgress(d.restorationSvc.NewProgress(ctx, jobID), d.logger)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Storage backend panicked during restoration subset")
			tracked.failUnreported(subset.Requests, fmt.Sprintf("storage backend panicked: %v", r))
		}
	}()

	if err := b.Retrieve(ctx, subset, tracked); err != nil {
		tracked.failUnreported(subset.Requests, "restoration failed: "+err.Error())
		return
	}
	tracked.failUnreported(subset.Requests, errNoResult)
}

func (d *Dispatcher) failRestorationRequests(ctx context.Context, reqs []*domain.FileCacheRequest, cause string) {
	for _, req := range reqs {
		d.restorationSvc.NewProgress(ctx, "").Failed(req, cause)
	}
}
