package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
)

// The tracked progress wrappers sit between a backend and the real progress
// implementation. They guarantee the exactly-once rule on the persistence
// side: a duplicate callback for a request is logged and dropped, and after
// the backend returns, every request it never reported on is failed.

type trackedStorageProgress struct {
	delegate backend.StorageProgress
	logger   zerolog.Logger

	mu       sync.Mutex
	reported map[int64]bool
}

func newTrackedStorageProgress(delegate backend.StorageProgress, logger zerolog.Logger) *trackedStorageProgress {
	return &trackedStorageProgress{
		delegate: delegate,
		logger:   logger,
		reported: make(map[int64]bool),
	}
}

// claim records the first terminal callback for a request and reports whether
// the caller won.
func (p *trackedStorageProgress) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported[id] {
		return false
	}
	p.reported[id] = true
	return true
}

func (p *trackedStorageProgress) Succeed(request *domain.FileStorageRequest, storedURL string, size int64) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate storage callback ignored")
		return
	}
	p.delegate.Succeed(request, storedURL, size)
}

func (p *trackedStorageProgress) SucceedWithPendingAction(request *domain.FileStorageRequest, storedURL string, size int64, notifyAdministrators bool) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate storage callback ignored")
		return
	}
	p.delegate.SucceedWithPendingAction(request, storedURL, size, notifyAdministrators)
}

func (p *trackedStorageProgress) Failed(request *domain.FileStorageRequest, cause string) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate storage callback ignored")
		return
	}
	p.delegate.Failed(request, cause)
}

// failUnreported fails every request in the subset the backend never reported
// a terminal outcome for.
func (p *trackedStorageProgress) failUnreported(requests []*domain.FileStorageRequest, cause string) {
	for _, req := range requests {
		if p.claim(req.ID) {
			p.delegate.Failed(req, cause)
		}
	}
}

type trackedDeletionProgress struct {
	delegate backend.DeletionProgress
	logger   zerolog.Logger

	mu       sync.Mutex
	reported map[int64]bool
}

func newTrackedDeletionProgress(delegate backend.DeletionProgress, logger zerolog.Logger) *trackedDeletionProgress {
	return &trackedDeletionProgress{
		delegate: delegate,
		logger:   logger,
		reported: make(map[int64]bool),
	}
}

func (p *trackedDeletionProgress) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported[id] {
		return false
	}
	p.reported[id] = true
	return true
}

func (p *trackedDeletionProgress) Succeed(request *domain.FileDeletionRequest) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate deletion callback ignored")
		return
	}
	p.delegate.Succeed(request)
}

func (p *trackedDeletionProgress) Failed(request *domain.FileDeletionRequest, cause string) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate deletion callback ignored")
		return
	}
	p.delegate.Failed(request, cause)
}

func (p *trackedDeletionProgress) failUnreported(requests []*domain.FileDeletionRequest, cause string) {
	for _, req := range requests {
		if p.claim(req.ID) {
			p.delegate.Failed(req, cause)
		}
	}
}

type trackedRestorationProgress struct {
	delegate backend.RestorationProgress
	logger   zerolog.Logger

	mu       sync.Mutex
	reported map[int64]bool
}

func newTrackedRestorationProgress(delegate backend.RestorationProgress, logger zerolog.Logger) *trackedRestorationProgress {
	return &trackedRestorationProgress{
		delegate: delegate,
		logger:   logger,
		reported: make(map[int64]bool),
	}
}

func (p *trackedRestorationProgress) claim(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported[id] {
		return false
	}
	p.reported[id] = true
	return true
}

func (p *trackedRestorationProgress) Succeed(request *domain.FileCacheRequest, restoredPath string, size int64) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate restoration callback ignored")
		return
	}
	p.delegate.Succeed(request, restoredPath, size)
}

func (p *trackedRestorationProgress) Failed(request *domain.FileCacheRequest, cause string) {
	if !p.claim(request.ID) {
		p.logger.Warn().Int64("request_id", request.ID).Msg("Duplicate restoration callback ignored")
		return
	}
	p.delegate.Failed(request, cause)
}

func (p *trackedRestorationProgress) failUnreported(requests []*domain.FileCacheRequest, cause string) {
	for _, req := range requests {
		if p.claim(req.ID) {
			p.delegate.Failed(req, cause)
		}
	}
}
