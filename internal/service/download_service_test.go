package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/metrics"
)

type downloadFixture struct {
	svc       *DownloadService
	refRepo   *fakeFileReferenceRepository
	cacheRepo *fakeCacheFileRepository
	cache     *CacheService
	backend   *fakeBackend
}

func newDownloadFixture(t *testing.T, storageType domain.StorageType) *downloadFixture {
	t.Helper()

	refRepo := newFakeFileReferenceRepository()
	cacheRepo := newFakeCacheFileRepository()
	locationRepo := newFakeStorageLocationRepository(&domain.StorageLocationConfiguration{
		Name:        "archive",
		StorageType: storageType,
		BackendType: "fake",
	})

	fb := &fakeBackend{}
	registry, err := backend.NewRegistry(8)
	require.NoError(t, err)
	registry.Register("fake", func(conf *domain.StorageLocationConfiguration) (backend.Backend, error) {
		return fb, nil
	})

	cache := newTestCacheService(t, cacheRepo, newFakeCacheRequestRepository())
	svc := NewDownloadService(refRepo, locationRepo, registry, cache, metrics.NewUnregistered(), zerolog.Nop())

	return &downloadFixture{svc: svc, refRepo: refRepo, cacheRepo: cacheRepo, cache: cache, backend: fb}
}

func TestDownloadService_ServesFromInternalCache(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "abc.dat")
	require.NoError(t, os.WriteFile(path, []byte("cached bytes"), 0o644))

	_, err := f.cache.AddInternal(ctx, testReference("abc", 12), path, time.Now().UTC().Add(time.Hour), "g")
	require.NoError(t, err)

	dl, err := f.svc.DownloadFile(ctx, "abc")
	require.NoError(t, err)
	defer dl.Reader.Close()

	data, err := io.ReadAll(dl.Reader)
	require.NoError(t, err)
	require.Equal(t, "cached bytes", string(data))
}

func TestDownloadService_MissingCachedFileFallsThrough(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeOnline)
	ctx := context.Background()

	// Ledger claims an internal copy but the file is gone from disk.
	_, err := f.cache.AddInternal(ctx, testReference("abc", 10), "/nonexistent/abc.dat", time.Now().UTC().Add(time.Hour), "g")
	require.NoError(t, err)
	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	f.backend.downloadFn = func(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("from backend")), nil
	}

	dl, err := f.svc.DownloadFile(ctx, "abc")
	require.NoError(t, err)
	defer dl.Reader.Close()

	data, err := io.ReadAll(dl.Reader)
	require.NoError(t, err)
	require.Equal(t, "from backend", string(data))

	// The stale ledger entry must be gone.
	_, err = f.cacheRepo.GetByChecksum(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrCacheFileNotFound)
}

func TestDownloadService_UnopenableCachedFileIsTransient(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	// The cached file is present on disk but cannot be opened: its recorded
	// location descends through a regular file.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := f.cache.AddInternal(ctx, testReference("abc", 10), filepath.Join(blocker, "abc.dat"), time.Now().UTC().Add(time.Hour), "g")
	require.NoError(t, err)
	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err = f.svc.DownloadFile(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrDownloadTransient)

	// The copy is presumed still cached; the entry must stay.
	_, err = f.cacheRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
}

func TestDownloadService_NearlineWithoutCacheEntryIsNotAvailable(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err := f.svc.DownloadFile(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrFileNotAvailable)
}

func TestDownloadService_StaleExternalEntryIsInvalidated(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	_, err := f.cache.AddExternal(ctx, testReference("abc", 10), time.Now().UTC().Add(time.Hour), "g")
	require.NoError(t, err)

	f.backend.downloadFn = func(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
		return nil, backend.ErrNotAvailable
	}

	_, err = f.svc.DownloadFile(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrFileNotAvailable)

	// The ledger promised a copy the backend no longer has; the entry must
	// have been dropped.
	_, err = f.cacheRepo.GetByChecksum(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrCacheFileNotFound)
}

func TestDownloadService_TransientBackendErrorKeepsCacheEntry(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeNearline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))
	_, err := f.cache.AddExternal(ctx, testReference("abc", 10), time.Now().UTC().Add(time.Hour), "g")
	require.NoError(t, err)

	f.backend.downloadFn = func(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
		return nil, errors.New("connection reset")
	}

	_, err = f.svc.DownloadFile(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrDownloadTransient)

	// A transient failure says nothing about the cached copy.
	_, err = f.cacheRepo.GetByChecksum(ctx, "abc")
	require.NoError(t, err)
}

func TestDownloadService_OfflineIsNotAvailable(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeOffline)
	ctx := context.Background()

	require.NoError(t, f.refRepo.Create(ctx, testReference("abc", 10)))

	_, err := f.svc.DownloadFile(ctx, "abc")
	require.ErrorIs(t, err, domain.ErrFileNotAvailable)
}

func TestDownloadService_UnreferencedChecksum(t *testing.T) {
	f := newDownloadFixture(t, domain.StorageTypeOnline)

	_, err := f.svc.DownloadFile(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrFileNotAvailable)
}
