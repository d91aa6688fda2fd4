package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
)

type restorationFixture struct {
	svc         *RestorationService
	refRepo     *fakeFileReferenceRepository
	requestRepo *fakeCacheRequestRepository
	cache       *CacheService
	events      *fakePublisher
}

func newRestorationFixture(t *testing.T, storageType domain.StorageType) *restorationFixture {
	t.Helper()

	refRepo := newFakeFileReferenceRepository()
	requestRepo := newFakeCacheRequestRepository()
	locationRepo := newFakeStorageLocationRepository(&domain.StorageLocationConfiguration{
		Name:        "archive",
		StorageType: storageType,
		BackendType: "fake",
	})
	events := &fakePublisher{}

	cache := newTestCacheService(t, newFakeCacheFileRepository(), requestRepo)
	svc := NewRestorationService(requestRepo, refRepo, locationRepo, cache, events,
		metrics.NewUnregistered(), zerolog.Nop())

	return &restorationFixture{svc: svc, refRepo: refRepo, requestRepo: requestRepo, cache: cache, events: events}
}

func TestRestorationService_CachedFileAnswersImmediately(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	_, err := f.cache.AddExternal(ctx, testReference("abc", 10), time.Now().UTC().Add(time.Hour), "old")
	require.NoError(t, err)

	result, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result.Available)
	require.Empty(t, result.Restoring)

	// The new group joins the existing entry.
	file, err := f.cache.GetUsableOne(ctx, "abc")
	require.NoError(t, err)
	require.Contains(t, file.Groups, "g1")
}

func TestRestorationService_NearlineFileGetsRestorationRequest(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	result, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result.Restoring)

	req, err := f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.RequestStatusTodo, req.Status)
	require.Equal(t, "archive", req.Storage)
	require.NotEmpty(t, req.DestinationPath)
	require.False(t, req.ExpirationDate.IsZero())
}

func TestRestorationService_OnlineFileIsAvailable(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeOnline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	result, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result.Available)
	require.Empty(t, result.Restoring)
	require.Len(t, f.events.eventsOfType(event.FileAvailable), 1)
}

func TestRestorationService_OfflineFileErrors(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeOffline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	result, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)
	require.Contains(t, result.Errors, "abc")
	require.Contains(t, result.Errors["abc"], "offline")
	require.Len(t, f.events.eventsOfType(event.FileRestoreError), 1)
}

func TestRestorationService_CacheFullRejectsRestoration(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	// Larger than the 100 KB cache limit.
	require.NoError(t, f.refRepo.Create(ctx, testReference("big", 200*1024)))
	require.NoError(t, f.refRepo.Create(ctx, testReference("small", 10)))

	result, err := f.svc.MakeAvailable(ctx, "g1", []string{"big", "small"}, time.Time{})
	require.NoError(t, err)
	require.Contains(t, result.Errors, "big")
	require.Equal(t, domain.ErrCacheFull.Error(), result.Errors["big"])
	require.Equal(t, []string{"small"}, result.Restoring)

	// No request must exist for the rejected file.
	_, err = f.requestRepo.GetByChecksum(ctx, "big")
	require.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestRestorationService_ExistingRequestIsJoined(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	// A second group asking for the same checksum joins the running request
	// instead of creating a duplicate.
	result, err := f.svc.MakeAvailable(ctx, "g2", []string{"abc"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result.Restoring)

	reqs, err := f.requestRepo.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestRestorationService_ErroredRequestIsRequeued(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	req, err := f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.NoError(t, f.requestRepo.UpdateStatus(ctx, req.ID, domain.RequestStatusError, "job-1", "tape failure"))

	result, err := f.svc.MakeAvailable(ctx, "g2", []string{"abc"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, result.Restoring)

	req, err = f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.RequestStatusTodo, req.Status)
}

func TestRestorationService_SynchronousGroupCompletes(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeOnline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	// Everything answered immediately, so the group closes in the same call.
	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	done := f.events.groupEventsOfType(event.GroupDone)
	require.Len(t, done, 1)
	require.Equal(t, "g1", done[0].GroupID)
}

func TestRestorationService_SynchronousGroupWithErrorsFails(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeOffline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	failed := f.events.groupEventsOfType(event.GroupError)
	require.Len(t, failed, 1)
	require.Equal(t, "g1", failed[0].GroupID)
	require.Len(t, failed[0].Errors, 1)
	require.Contains(t, failed[0].Errors[0], "abc")
	require.Empty(t, f.events.groupEventsOfType(event.GroupDone))
}

func TestRestorationService_GroupClosesWithLastRestoration(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("one", 10)))
	require.NoError(t, f.refRepo.Create(ctx, testReference("two", 10)))

	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"one", "two"}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, f.events.groupEventsOfType(event.GroupDone))

	progress := f.svc.NewProgress(ctx, "job-1")

	first, err := f.requestRepo.GetByChecksum(ctx, "one")
	require.NoError(t, err)
	progress.Succeed(first, "/cache/on/e0/one", 10)

	// One restoration still in flight keeps the group open.
	require.Empty(t, f.events.groupEventsOfType(event.GroupDone))

	second, err := f.requestRepo.GetByChecksum(ctx, "two")
	require.NoError(t, err)
	progress.Succeed(second, "/cache/tw/o0/two", 10)

	done := f.events.groupEventsOfType(event.GroupDone)
	require.Len(t, done, 1)
	require.Equal(t, "g1", done[0].GroupID)
}

func TestRestorationService_FailedRestorationFailsGroup(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	req, err := f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)

	f.svc.NewProgress(ctx, "job-1").Failed(req, "tape drive jammed")

	failed := f.events.groupEventsOfType(event.GroupError)
	require.Len(t, failed, 1)
	require.Equal(t, "g1", failed[0].GroupID)
	require.Contains(t, failed[0].Errors[0], "tape drive jammed")
}

func TestRestorationService_ProgressSucceedRecordsCacheEntry(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	req, err := f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)

	progress := f.svc.NewProgress(ctx, "job-1")
	progress.Succeed(req, "/cache/ab/c1/abc", 10)

	// Request gone, internal entry present, availability event published.
	_, err = f.requestRepo.GetByChecksum(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrRequestNotFound)

	file, err := f.cache.GetUsableOne(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.CacheFileInternal, file.Type)
	require.Equal(t, "/cache/ab/c1/abc", file.Location)
	require.NotEmpty(t, f.events.eventsOfType(event.FileAvailable))
}

func TestRestorationService_ProgressFailedMarksError(t *testing.T) {
	f := newRestorationFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	_, err := f.svc.MakeAvailable(ctx, "g1", []string{"abc"}, time.Time{})
	require.NoError(t, err)

	req, err := f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)

	progress := f.svc.NewProgress(ctx, "job-1")
	progress.Failed(req, "tape drive jammed")

	req, err = f.requestRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.RequestStatusError, req.Status)
	require.Equal(t, "tape drive jammed", req.ErrorCause)

	events := f.events.eventsOfType(event.FileRestoreError)
	require.Len(t, events, 1)
	require.Equal(t, "tape drive jammed", events[0].Message)
}
