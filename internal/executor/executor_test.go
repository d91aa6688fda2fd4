package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := NewPool(4, 16, zerolog.Nop())

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(NewJob(func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt64(&ran, 1)
		})))
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)

	require.Equal(t, int64(20), atomic.LoadInt64(&ran))
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(1, 16, zerolog.Nop())

	var ran int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(NewJob(func(ctx context.Context) {
			atomic.AddInt64(&ran, 1)
		})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)

	require.Equal(t, int64(5), atomic.LoadInt64(&ran))
	require.ErrorIs(t, p.Submit(NewJob(func(ctx context.Context) {})), ErrStopped)
}

func TestPoolStopCancelsStuckJobs(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())

	started := make(chan struct{})
	released := make(chan struct{})
	require.NoError(t, p.Submit(NewJob(func(ctx context.Context) {
		close(started)
		select {
		case <-ctx.Done():
			close(released)
		case <-time.After(5 * time.Second):
		}
	})))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Stop(ctx)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("stuck job was not canceled on shutdown")
	}
}

func TestPoolStopUnblocksPendingSubmit(t *testing.T) {
	p := NewPool(1, 0, zerolog.Nop())

	// Occupy the only worker so the next Submit blocks on the unbuffered
	// channel, then stop the pool underneath it.
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(NewJob(func(ctx context.Context) {
		close(started)
		<-release
	})))
	<-started

	submitted := make(chan error, 1)
	go func() {
		submitted <- p.Submit(NewJob(func(ctx context.Context) {}))
	}()
	// Give the second Submit time to park on the send.
	time.Sleep(20 * time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
		close(stopDone)
	}()

	select {
	case err := <-submitted:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("pending submit was not released by shutdown")
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("stop did not finish")
	}
}

func TestNewJobAssignsID(t *testing.T) {
	first := NewJob(func(ctx context.Context) {})
	second := NewJob(func(ctx context.Context) {})
	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSynchronousRunsInline(t *testing.T) {
	ran := false
	require.NoError(t, Synchronous{}.Submit(NewJob(func(ctx context.Context) {
		ran = true
	})))
	require.True(t, ran)
}
