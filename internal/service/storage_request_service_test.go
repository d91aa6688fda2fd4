package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
	"github.com/prn-tf/tierkeeper/internal/metrics"
)

type requestFixture struct {
	storageSvc  *StorageRequestService
	deletionSvc *DeletionRequestService
	refRepo     *fakeFileReferenceRepository
	storageReqs *fakeStorageRequestRepository
	deletionReqs *fakeDeletionRequestRepository
	events      *fakePublisher
}

func newRequestFixture(t *testing.T) *requestFixture {
	t.Helper()

	refRepo := newFakeFileReferenceRepository()
	storageReqs := newFakeStorageRequestRepository()
	deletionReqs := newFakeDeletionRequestRepository()
	locationRepo := newFakeStorageLocationRepository(
		&domain.StorageLocationConfiguration{Name: "disk", StorageType: domain.StorageTypeOnline, BackendType: "fake"},
		&domain.StorageLocationConfiguration{Name: "archive", StorageType: domain.StorageTypeNearline, BackendType: "fake"},
	)
	events := &fakePublisher{}
	m := metrics.NewUnregistered()

	storageSvc := NewStorageRequestService(storageReqs, refRepo, locationRepo, OnlineFirstAllocation{}, events, m, zerolog.Nop())
	deletionSvc := NewDeletionRequestService(deletionReqs, refRepo, events, m, zerolog.Nop())

	return &requestFixture{
		storageSvc:   storageSvc,
		deletionSvc:  deletionSvc,
		refRepo:      refRepo,
		storageReqs:  storageReqs,
		deletionReqs: deletionReqs,
		events:       events,
	}
}

func storeInput(checksum, storage, owner string) StoreFileInput {
	return StoreFileInput{
		Checksum:  checksum,
		Algorithm: "MD5",
		FileName:  checksum + ".dat",
		Size:      10,
		OriginURL: "file:///staging/" + checksum,
		Storage:   storage,
		Owner:     owner,
	}
}

func TestStorageRequestService_SubmitCreatesRequest(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{storeInput("abc", "archive", "ingest")}))

	reqs, err := f.storageReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, []string{"ingest"}, reqs[0].Owners)
}

func TestStorageRequestService_SubmitAllocatesWhenStorageOmitted(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{storeInput("abc", "", "ingest")}))

	// The online location wins over the nearline one.
	reqs, err := f.storageReqs.FindByStorageAndStatus(ctx, "disk", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestStorageRequestService_AlreadyStoredMergesOwner(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	ref := testReference("abc", 10)
	require.NoError(t, f.refRepo.Create(ctx, ref))

	require.NoError(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{storeInput("abc", "archive", "catalog")}))

	// No new request, the owner list grew instead, and the caller was told the
	// file is stored.
	reqs, err := f.storageReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Empty(t, reqs)

	ref, err = f.refRepo.GetByStorageAndChecksum(ctx, "archive", "abc")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ingest", "catalog"}, ref.Owners)
	require.Len(t, f.events.eventsOfType(event.FileStored), 1)
}

func TestStorageRequestService_SubmitValidatesInput(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	require.Error(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{{Checksum: "abc"}}))
	require.Error(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{{Checksum: "abc", Algorithm: "MD5"}}))
}

func TestStorageRequestService_RetryRequeuesErrored(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.storageSvc.Submit(ctx, "g1", []StoreFileInput{storeInput("abc", "archive", "ingest")}))
	reqs, err := f.storageReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.NoError(t, f.storageReqs.UpdateStatus(ctx, reqs[0].ID, domain.RequestStatusError, "job-1", "boom"))

	retried, err := f.storageSvc.Retry(ctx, "archive")
	require.NoError(t, err)
	require.Equal(t, 1, retried)

	req := f.storageReqs.byID(reqs[0].ID)
	require.Equal(t, domain.RequestStatusTodo, req.Status)
}

func TestDeletionRequestService_LastOwnerSchedulesDeletion(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	ref := testReference("abc", 10)
	ref.Owners = []string{"ingest", "catalog"}
	require.NoError(t, f.refRepo.Create(ctx, ref))

	// First withdrawal only shrinks the ownership list.
	require.NoError(t, f.deletionSvc.Submit(ctx, "g1", "archive", "abc", "catalog", false))
	reqs, err := f.deletionReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Empty(t, reqs)

	ref, err = f.refRepo.GetByStorageAndChecksum(ctx, "archive", "abc")
	require.NoError(t, err)
	require.Equal(t, []string{"ingest"}, ref.Owners)

	// The last owner's withdrawal queues the physical deletion.
	require.NoError(t, f.deletionSvc.Submit(ctx, "g1", "archive", "abc", "ingest", false))
	reqs, err = f.deletionReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestDeletionRequestService_UnknownFileErrors(t *testing.T) {
	f := newRequestFixture(t)

	err := f.deletionSvc.Submit(context.Background(), "g1", "archive", "ghost", "ingest", false)
	require.ErrorIs(t, err, domain.ErrFileReferenceNotFound)
}

func TestDeletionRequestService_ForceDeleteDropsReferenceOnFailure(t *testing.T) {
	f := newRequestFixture(t)
	ctx := context.Background()

	ref := testReference("abc", 10)
	require.NoError(t, f.refRepo.Create(ctx, ref))
	require.NoError(t, f.deletionSvc.Submit(ctx, "g1", "archive", "abc", "", true))

	reqs, err := f.deletionReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	f.deletionSvc.NewProgress(ctx, "job-1").Failed(reqs[0], "medium unreachable")

	// The reference disappears even though the bytes could not be removed.
	_, err = f.refRepo.GetByStorageAndChecksum(ctx, "archive", "abc")
	require.ErrorIs(t, err, domain.ErrFileReferenceNotFound)

	remaining, err := f.deletionReqs.FindByStorageAndStatus(ctx, "archive", domain.RequestStatusTodo, 10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
