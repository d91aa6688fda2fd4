package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/lock"
	"github.com/prn-tf/tierkeeper/internal/metrics"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// PendingActionsConfig contains pending-action scheduling configuration.
type PendingActionsConfig struct {
	// Enabled determines if the pending-action loop runs automatically.
	Enabled bool

	// Interval is how often each backend is asked to check on its pending
	// actions.
	Interval time.Duration
}

// DefaultPendingActionsConfig returns sensible defaults.
func DefaultPendingActionsConfig() PendingActionsConfig {
	return PendingActionsConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
	}
}

// PendingActionRunner periodically invokes RunPeriodicAction on every declared
// backend so that asynchronous follow-up work (glacier archival, replication)
// reported at storage time eventually clears or escalates.
type PendingActionRunner struct {
	refs      repository.FileReferenceRepository
	locations *LocationService
	locker    lock.Locker
	events    event.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	config    PendingActionsConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewPendingActionRunner creates a new pending-action scheduler.
func NewPendingActionRunner(
	refs repository.FileReferenceRepository,
	locations *LocationService,
	locker lock.Locker,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config PendingActionsConfig,
) *PendingActionRunner {
	return &PendingActionRunner{
		refs:      refs,
		locations: locations,
		locker:    locker,
		events:    events,
		metrics:   m,
		logger:    logger.With().Str("service", "pending-actions").Logger(),
		config:    config,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the pending-action scheduler.
func (p *PendingActionRunner) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info().
		Dur("interval", p.config.Interval).
		Msg("Starting pending-action runner")

	go p.runLoop()
}

// Stop stops the pending-action scheduler.
func (p *PendingActionRunner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	<-p.doneChan

	p.logger.Info().Msg("Pending-action runner stopped")
}

// runLoop is the main pending-action loop.
func (p *PendingActionRunner) runLoop() {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.RunOnce(context.Background())
		case <-p.stopChan:
			return
		}
	}
}

// RunOnce executes one pending-action pass over every storage location. Can be
// called manually or by the scheduler; each location is guarded by its own
// distributed lock so concurrent instances split the work instead of
// duplicating it.
func (p *PendingActionRunner) RunOnce(ctx context.Context) {
	confs, err := p.locations.List(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list storage locations")
		return
	}

	lockTTL := p.config.Interval / 2
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	for _, conf := range confs {
		p.runForStorage(ctx, conf.Name, lockTTL)
	}
}

func (p *PendingActionRunner) runForStorage(ctx context.Context, storage string, lockTTL time.Duration) {
	lockKey := lock.Keys.PendingActions(storage)

	acquired, err := p.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		p.logger.Error().Err(err).Str("storage", storage).Msg("Failed to acquire pending-action lock")
		return
	}
	if !acquired {
		p.logger.Debug().Str("storage", storage).Msg("Pending-action lock held by another process, skipping")
		return
	}
	defer func() {
		if _, err := p.locker.Release(ctx, lockKey); err != nil {
			p.logger.Error().Err(err).Str("storage", storage).Msg("Failed to release pending-action lock")
		}
	}()

	b, _, err := p.locations.ResolveBackend(ctx, storage)
	if err != nil {
		p.logger.Warn().Err(err).Str("storage", storage).Msg("Skipping pending actions, backend unavailable")
		return
	}

	progress := &pendingActionProgress{
		refs:    p.refs,
		events:  p.events,
		storage: storage,
		logger:  p.logger.With().Str("storage", storage).Logger(),
	}
	if err := b.RunPeriodicAction(ctx, progress); err != nil {
		p.logger.Error().Err(err).Str("storage", storage).Msg("Periodic pending-action run failed")
	}

	count, err := p.refs.CountPendingActions(ctx, storage)
	if err != nil {
		p.logger.Error().Err(err).Str("storage", storage).Msg("Failed to count pending actions")
		return
	}
	p.metrics.PendingActions.WithLabelValues(storage).Set(float64(count))
}

// pendingActionProgress applies backend pending-action reports to the
// reference ledger and surfaces them on the event channel.
type pendingActionProgress struct {
	refs    repository.FileReferenceRepository
	events  event.Publisher
	storage string
	logger  zerolog.Logger
}

func (p *pendingActionProgress) PendingActionSucceed(storedURL string) {
	ctx := context.Background()
	if err := p.refs.SetPendingActionRemaining(ctx, storedURL, false); err != nil {
		p.logger.Error().Err(err).Str("url", storedURL).Msg("Failed to clear pending-action flag")
		return
	}
	p.logger.Debug().Str("url", storedURL).Msg("Pending action completed")
	_ = p.events.PublishFileEvent(ctx, event.FileEvent{
		Type:      event.FilePendingActionDone,
		Storage:   p.storage,
		URL:       storedURL,
		Timestamp: time.Now().UTC(),
	})
}

func (p *pendingActionProgress) PendingActionError(storedURL string, cause string) {
	p.logger.Warn().Str("url", storedURL).Str("cause", cause).Msg("Pending action failed, operator attention required")
	_ = p.events.PublishFileEvent(context.Background(), event.FileEvent{
		Type:      event.FilePendingActionError,
		Storage:   p.storage,
		URL:       storedURL,
		Message:   cause,
		Timestamp: time.Now().UTC(),
	})
}

func (p *pendingActionProgress) AllPendingActionSucceed(storage string) {
	cleared, err := p.refs.ClearPendingActionsByStorage(context.Background(), storage)
	if err != nil {
		p.logger.Error().Err(err).Str("storage", storage).Msg("Failed to clear pending-action flags")
		return
	}
	if cleared > 0 {
		p.logger.Info().Str("storage", storage).Int64("cleared", cleared).Msg("All pending actions completed")
	}
}
