package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/lock"
	"github.com/prn-tf/tierkeeper/internal/metrics"
)

type copyFixture struct {
	svc            *CopyService
	copyRepo       *fakeCopyRequestRepository
	refRepo        *fakeFileReferenceRepository
	cacheReqRepo   *fakeCacheRequestRepository
	storageReqRepo *fakeStorageRequestRepository
	cache          *CacheService
	events         *fakePublisher
}

func newCopyFixture(t *testing.T, sourceType domain.StorageType) *copyFixture {
	t.Helper()

	copyRepo := newFakeCopyRequestRepository()
	refRepo := newFakeFileReferenceRepository()
	cacheReqRepo := newFakeCacheRequestRepository()
	storageReqRepo := newFakeStorageRequestRepository()
	locationRepo := newFakeStorageLocationRepository(
		&domain.StorageLocationConfiguration{
			Name:        "archive",
			StorageType: sourceType,
			BackendType: "fake",
		},
		&domain.StorageLocationConfiguration{
			Name:        "replica",
			StorageType: domain.StorageTypeOnline,
			BackendType: "fake",
		},
	)
	events := &fakePublisher{}
	m := metrics.NewUnregistered()

	cache := newTestCacheServiceWithEvents(t, newFakeCacheFileRepository(), cacheReqRepo, events)
	restoration := NewRestorationService(cacheReqRepo, refRepo, locationRepo, cache, events, m, zerolog.Nop())
	storage := NewStorageRequestService(
		storageReqRepo, refRepo, locationRepo, OnlineFirstAllocation{}, events, m, zerolog.Nop())

	svc := NewCopyService(
		copyRepo, refRepo, locationRepo, cacheReqRepo, cache,
		restoration, storage, events, lock.NewMemoryLocker(), zerolog.Nop(),
		DefaultCopyConfig())

	return &copyFixture{
		svc:            svc,
		copyRepo:       copyRepo,
		refRepo:        refRepo,
		cacheReqRepo:   cacheReqRepo,
		storageReqRepo: storageReqRepo,
		cache:          cache,
		events:         events,
	}
}

func TestCopyService_AlreadyOnDestinationIsReported(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeOnline)
	ctx := context.Background()

	ref := testReference("abc", 10)
	ref.Location.Storage = "replica"
	require.NoError(t, f.refRepo.Create(ctx, ref))

	err := f.svc.SubmitCopies(ctx, "g1", []CopyFileInput{{Checksum: "abc", DestinationStorage: "replica"}})
	require.NoError(t, err)

	require.Nil(t, f.copyRepo.byChecksum("abc"))
	stored := f.events.eventsOfType(event.FileStored)
	require.Len(t, stored, 1)
	require.Equal(t, "already stored", stored[0].Message)
}

func TestCopyService_UnknownChecksumRejected(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeOnline)

	err := f.svc.SubmitCopies(context.Background(), "g1",
		[]CopyFileInput{{Checksum: "nope", DestinationStorage: "replica"}})
	require.ErrorIs(t, err, domain.ErrFileReferenceNotFound)
}

func TestCopyService_OfflineSourceRejected(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeOffline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	err := f.svc.SubmitCopies(ctx, "g1", []CopyFileInput{{Checksum: "abc", DestinationStorage: "replica"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "offline")
}

func TestCopyService_OnlineSourceHandsOffDirectly(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeOnline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	require.NoError(t, f.svc.SubmitCopies(ctx, "g1",
		[]CopyFileInput{{Checksum: "abc", DestinationStorage: "replica"}}))

	req := f.copyRepo.byChecksum("abc")
	require.NotNil(t, req)
	require.Equal(t, domain.RequestStatusTodo, req.Status)
	require.Equal(t, "archive", req.SourceStorage)

	f.svc.RunOnce(ctx)

	// An online source needs no staging, the storage queue reads it in place.
	require.Nil(t, f.copyRepo.byChecksum("abc"))
	queued, err := f.storageReqRepo.FindByStorageAndStatus(ctx, "replica", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "fake://abc", queued[0].OriginURL)
	require.Equal(t, "g1", queued[0].GroupID)
}

func TestCopyService_NearlineSourceTravelsThroughCache(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	ref := testReference("abc", 10)
	require.NoError(t, f.refRepo.Create(ctx, ref))
	require.NoError(t, f.svc.SubmitCopies(ctx, "g1",
		[]CopyFileInput{{Checksum: "abc", DestinationStorage: "replica"}}))

	f.svc.RunOnce(ctx)

	// The source restoration is in flight, nothing to hand off yet.
	req := f.copyRepo.byChecksum("abc")
	require.NotNil(t, req)
	require.Equal(t, domain.RequestStatusPending, req.Status)
	queued, err := f.storageReqRepo.FindByStorageAndStatus(ctx, "replica", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Empty(t, queued)

	// The restoration lands the bytes in the cache.
	cacheReq, err := f.cacheReqRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	_, err = f.cache.AddInternal(ctx, ref, "/cache/ab/abc.dat", time.Now().UTC().Add(time.Hour), cacheReq.GroupID)
	require.NoError(t, err)
	require.NoError(t, f.cacheReqRepo.Delete(ctx, cacheReq.ID))

	f.svc.RunOnce(ctx)

	require.Nil(t, f.copyRepo.byChecksum("abc"))
	queued, err = f.storageReqRepo.FindByStorageAndStatus(ctx, "replica", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "file:///cache/ab/abc.dat", queued[0].OriginURL)
}

func TestCopyService_FailedRestorationFailsCopy(t *testing.T) {
	f := newCopyFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	require.NoError(t, f.svc.SubmitCopies(ctx, "g1",
		[]CopyFileInput{{Checksum: "abc", DestinationStorage: "replica"}}))

	f.svc.RunOnce(ctx)

	cacheReq, err := f.cacheReqRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.NoError(t, f.cacheReqRepo.UpdateStatus(ctx, cacheReq.ID, domain.RequestStatusError, "", "tape unreadable"))

	f.svc.RunOnce(ctx)

	req := f.copyRepo.byChecksum("abc")
	require.NotNil(t, req)
	require.Equal(t, domain.RequestStatusError, req.Status)
	require.Contains(t, req.ErrorCause, "tape unreadable")

	failures := f.events.eventsOfType(event.FileStoreError)
	require.Len(t, failures, 1)
	require.Equal(t, "g1", failures[0].GroupID)
	require.Equal(t, "replica", failures[0].Storage)

	// Errored copies can be requeued per destination.
	retried, err := f.svc.Retry(ctx, "replica")
	require.NoError(t, err)
	require.Equal(t, 1, retried)
	require.Equal(t, domain.RequestStatusTodo, f.copyRepo.byChecksum("abc").Status)
}
