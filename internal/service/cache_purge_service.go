package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/tierkeeper/internal/lock"
)

// CachePurger periodically evicts expired cache entries.
type CachePurger struct {
	cache  *CacheService
	locker lock.Locker
	logger zerolog.Logger
	config CachePurgeConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// CachePurgeConfig contains purge scheduling configuration.
type CachePurgeConfig struct {
	// Enabled determines if the purge loop runs automatically.
	Enabled bool

	// Interval is how often to evict expired entries.
	Interval time.Duration
}

// DefaultCachePurgeConfig returns sensible defaults.
func DefaultCachePurgeConfig() CachePurgeConfig {
	return CachePurgeConfig{
		Enabled:  true,
		Interval: 30 * time.Minute,
	}
}

// NewCachePurger creates a new cache purge scheduler.
func NewCachePurger(cache *CacheService, locker lock.Locker, logger zerolog.Logger, config CachePurgeConfig) *CachePurger {
	return &CachePurger{
		cache:    cache,
		locker:   locker,
		logger:   logger.With().Str("service", "cache-purge").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the purge scheduler.
func (p *CachePurger) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info().
		Dur("interval", p.config.Interval).
		Msg("Starting cache purger")

	go p.runLoop()
}

// Stop stops the purge scheduler.
func (p *CachePurger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	<-p.doneChan

	p.logger.Info().Msg("Cache purger stopped")
}

// runLoop is the main purge loop.
func (p *CachePurger) runLoop() {
	defer close(p.doneChan)

	// Run immediately on start
	p.RunOnce(context.Background())

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

// RunOnce executes a single purge run. Can be called manually or by the
// scheduler; a distributed lock keeps concurrent instances from purging the
// same entries.
func (p *CachePurger) RunOnce(ctx context.Context) {
	lockKey := lock.Keys.CachePurge()
	lockTTL := p.config.Interval / 2
	if lockTTL < 5*time.Minute {
		lockTTL = 5 * time.Minute
	}

	acquired, err := p.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to acquire purge lock")
		return
	}
	if !acquired {
		p.logger.Debug().Msg("Purge lock held by another process, skipping run")
		return
	}
	defer func() {
		if _, err := p.locker.Release(ctx, lockKey); err != nil {
			p.logger.Error().Err(err).Msg("Failed to release purge lock")
		}
	}()

	if _, err := p.cache.PurgeExpired(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Cache purge run failed")
	}
}
