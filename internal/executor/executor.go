// Package executor runs working-subset jobs asynchronously. Each prepared
// working subset is handed to the executor exactly once; the backend reports
// per-request outcomes through the progress protocol, never through the job's
// return path.
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Submit after the executor has been stopped.
var ErrStopped = errors.New("executor is stopped")

// Job is one unit of asynchronous work, usually the execution of a single
// working subset against its backend.
type Job struct {
	// ID identifies the executor invocation. Recorded on the requests the
	// job handles.
	ID string

	// Run does the work. The context is canceled when the executor stops.
	Run func(ctx context.Context)
}

// NewJob creates a Job with a fresh identifier.
func NewJob(run func(ctx context.Context)) Job {
	return Job{ID: uuid.NewString(), Run: run}
}

// Executor accepts jobs for asynchronous execution.
type Executor interface {
	// Submit queues a job. Returns ErrStopped if the executor no longer
	// accepts work.
	Submit(job Job) error
}

// Pool is a fixed-size worker pool executor.
//
// The jobs channel is never closed: dispatchers may still be calling Submit
// while the pool shuts down, so Submit and the workers both select on the
// quit channel instead.
type Pool struct {
	jobs   chan Job
	quit   chan struct{}
	logger zerolog.Logger

	mu      sync.Mutex
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates and starts a pool with the given number of workers and
// queue capacity.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, queueSize),
		quit:   make(chan struct{}),
		logger: logger.With().Str("component", "executor").Logger(),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(ctx, job)
		case <-p.quit:
			// Drain jobs queued before the stop, then exit.
			for {
				select {
				case job := <-p.jobs:
					p.run(ctx, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	p.logger.Debug().Str("job_id", job.ID).Msg("Executing job")
	job.Run(ctx)
}

// Submit queues a job for execution. Blocks when the queue is full.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return ErrStopped
	}
}

// Stop drains queued jobs and waits for running ones to finish. The context
// bounds the wait; when it expires, running jobs are canceled.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()

	// A Submit that raced the shutdown may have slipped a job into the
	// buffer after the workers exited.
	for {
		select {
		case job := <-p.jobs:
			p.logger.Warn().Str("job_id", job.ID).Msg("Dropping job submitted during shutdown")
		default:
			return
		}
	}
}

// Synchronous is an executor that runs jobs inline on the calling goroutine.
// Used in tests and by the admin CLI.
type Synchronous struct{}

// Submit runs the job immediately.
func (Synchronous) Submit(job Job) error {
	job.Run(context.Background())
	return nil
}
