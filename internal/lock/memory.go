package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker with an in-process table. It is the default
// for single-node deployments, where the confirmation and purge locks only
// need to serialize goroutines inside one server. Nothing survives a restart;
// multi-node deployments use RedisLocker instead.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]time.Time
	sweepAt time.Time
}

// sweepEvery bounds how often the table is scanned for leftovers of keys
// that were acquired once and never touched again.
const sweepEvery = time.Minute

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:    make(map[string]time.Time),
		sweepAt: time.Now().Add(sweepEvery),
	}
}

// sweep drops every expired entry. Caller holds the mutex.
func (m *MemoryLocker) sweep(now time.Time) {
	if now.Before(m.sweepAt) {
		return
	}
	for key, deadline := range m.held {
		if now.After(deadline) {
			delete(m.held, key)
		}
	}
	m.sweepAt = now.Add(sweepEvery)
}

// Acquire takes the lock unless a live holder exists. An expired deadline
// counts as free.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.sweep(now)

	if deadline, ok := m.held[key]; ok && now.Before(deadline) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

// AcquireWithRetry retries Acquire up to maxRetries times, sleeping
// retryDelay between attempts.
func (m *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	for attempt := 0; ; attempt++ {
		acquired, err := m.Acquire(ctx, key, ttl)
		if err != nil || acquired {
			return acquired, err
		}
		if attempt >= maxRetries {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release frees the lock. Returns false when it was not held.
func (m *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; !ok {
		return false, nil
	}
	delete(m.held, key)
	return true, nil
}

// Extend pushes the deadline of a live lock. An expired lock cannot be
// extended; it is dropped and the caller has to acquire again.
func (m *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deadline, ok := m.held[key]
	if !ok {
		return false, nil
	}
	if now.After(deadline) {
		delete(m.held, key)
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

// IsHeld reports whether a live holder exists for the key.
func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deadline, ok := m.held[key]
	if !ok {
		return false, nil
	}
	if now.After(deadline) {
		delete(m.held, key)
		return false, nil
	}
	return true, nil
}

var _ Locker = (*MemoryLocker)(nil)
