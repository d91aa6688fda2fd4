package local

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/pkg/checksum"
)

// recordingProgress captures callbacks for assertions.
type recordingProgress struct {
	storedURLs map[string]string
	failures   map[string]string
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{
		storedURLs: make(map[string]string),
		failures:   make(map[string]string),
	}
}

func (p *recordingProgress) Succeed(req *domain.FileStorageRequest, storedURL string, size int64) {
	p.storedURLs[req.MetaInfo.Checksum] = storedURL
}

func (p *recordingProgress) SucceedWithPendingAction(req *domain.FileStorageRequest, storedURL string, size int64, notifyAdministrators bool) {
	p.storedURLs[req.MetaInfo.Checksum] = storedURL
}

func (p *recordingProgress) Failed(req *domain.FileStorageRequest, cause string) {
	p.failures[req.MetaInfo.Checksum] = cause
}

type recordingDeletionProgress struct {
	deleted  map[string]bool
	failures map[string]string
}

func newRecordingDeletionProgress() *recordingDeletionProgress {
	return &recordingDeletionProgress{deleted: make(map[string]bool), failures: make(map[string]string)}
}

func (p *recordingDeletionProgress) Succeed(req *domain.FileDeletionRequest) {
	p.deleted[req.Checksum()] = true
}

func (p *recordingDeletionProgress) Failed(req *domain.FileDeletionRequest, cause string) {
	p.failures[req.Checksum()] = cause
}

func writeOrigin(t *testing.T, dir, content string) (string, string) {
	t.Helper()
	sum, _, err := checksum.ComputeStream(strings.NewReader(content), "MD5")
	require.NoError(t, err)
	path := filepath.Join(dir, sum+".src")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, sum
}

func storageRequest(originPath, sum string, size int64) *domain.FileStorageRequest {
	return &domain.FileStorageRequest{
		MetaInfo: domain.FileMetaInfo{
			Checksum:  sum,
			Algorithm: "MD5",
			FileName:  sum + ".dat",
			Size:      size,
		},
		OriginURL: (&url.URL{Scheme: "file", Path: originPath}).String(),
		Storage:   "disk",
		Status:    domain.RequestStatusTodo,
		CreatedAt: time.Now().UTC(),
	}
}

func TestLocalStoreAndDownload(t *testing.T) {
	base := t.TempDir()
	origin, sum := writeOrigin(t, t.TempDir(), "hello local backend")

	l := New(Config{BasePath: base, AllowPhysicalDeletion: true})
	progress := newRecordingProgress()

	req := storageRequest(origin, sum, 0)
	require.NoError(t, l.Store(context.Background(), backend.StorageWorkingSubset{Requests: []*domain.FileStorageRequest{req}}, progress))

	storedURL, ok := progress.storedURLs[sum]
	require.True(t, ok)
	require.Empty(t, progress.failures)

	// Sharded layout under the base path.
	require.Contains(t, storedURL, filepath.Join(base, sum[0:2], sum[2:4], sum))
	require.NoError(t, l.ValidateURL(storedURL))

	rc, err := l.Download(context.Background(), &domain.FileReference{
		MetaInfo: domain.FileMetaInfo{Checksum: sum},
		Location: domain.FileLocation{Storage: "disk", URL: storedURL},
	})
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello local backend", string(content))
}

func TestLocalStoreRejectsChecksumMismatch(t *testing.T) {
	base := t.TempDir()
	origin, _ := writeOrigin(t, t.TempDir(), "real content")

	l := New(Config{BasePath: base})
	progress := newRecordingProgress()

	req := storageRequest(origin, "00000000000000000000000000000000", 0)
	require.NoError(t, l.Store(context.Background(), backend.StorageWorkingSubset{Requests: []*domain.FileStorageRequest{req}}, progress))

	require.Empty(t, progress.storedURLs)
	require.Contains(t, progress.failures["00000000000000000000000000000000"], "checksum mismatch")

	// The corrupt copy must not survive.
	_, err := os.Stat(l.storagePath("", "00000000000000000000000000000000"))
	require.True(t, os.IsNotExist(err))
}

func TestLocalPrepareForStorageRejectsBadOrigins(t *testing.T) {
	l := New(Config{BasePath: t.TempDir(), SubsetSize: 2})

	good := storageRequest("/tmp/somewhere", "abc", 0)
	bad := storageRequest("", "def", 0)
	bad.OriginURL = "s3://bucket/key"

	resp, err := l.PrepareForStorage(context.Background(), []*domain.FileStorageRequest{good, bad})
	require.NoError(t, err)
	require.Len(t, resp.WorkingSubsets, 1)
	require.Equal(t, []*domain.FileStorageRequest{good}, resp.WorkingSubsets[0].Requests)
	require.Contains(t, resp.Errors[bad], "unsupported url scheme")
}

func TestLocalDeleteHonorsPolicy(t *testing.T) {
	base := t.TempDir()
	origin, sum := writeOrigin(t, t.TempDir(), "to be deleted")

	l := New(Config{BasePath: base, AllowPhysicalDeletion: true})
	storeProgress := newRecordingProgress()
	req := storageRequest(origin, sum, 0)
	require.NoError(t, l.Store(context.Background(), backend.StorageWorkingSubset{Requests: []*domain.FileStorageRequest{req}}, storeProgress))

	ref := &domain.FileReference{
		MetaInfo: domain.FileMetaInfo{Checksum: sum},
		Location: domain.FileLocation{Storage: "disk", URL: storeProgress.storedURLs[sum]},
	}
	delReq := &domain.FileDeletionRequest{FileReference: ref, Storage: "disk"}

	progress := newRecordingDeletionProgress()
	require.NoError(t, l.Delete(context.Background(), backend.DeletionWorkingSubset{Requests: []*domain.FileDeletionRequest{delReq}}, progress))
	require.True(t, progress.deleted[sum])

	_, err := os.Stat(l.storagePath("", sum))
	require.True(t, os.IsNotExist(err))

	// A file already gone still counts as success.
	progress = newRecordingDeletionProgress()
	require.NoError(t, l.Delete(context.Background(), backend.DeletionWorkingSubset{Requests: []*domain.FileDeletionRequest{delReq}}, progress))
	require.True(t, progress.deleted[sum])
}

func TestLocalValidateURLRejectsEscapes(t *testing.T) {
	l := New(Config{BasePath: t.TempDir()})

	require.Error(t, l.ValidateURL("file:///etc/passwd"))
	require.Error(t, l.ValidateURL("s3://bucket/key"))
}

func TestLocalUnsupportedCapabilities(t *testing.T) {
	l := New(Config{BasePath: t.TempDir()})

	_, err := l.PrepareForRestoration(context.Background(), nil)
	require.ErrorIs(t, err, backend.ErrNotSupported)
	require.ErrorIs(t, l.Retrieve(context.Background(), backend.RestorationWorkingSubset{}, nil), backend.ErrNotSupported)
	_, err = l.CheckAvailability(context.Background(), nil)
	require.ErrorIs(t, err, backend.ErrNotSupported)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"base_path":               "/data/files",
		"allow_physical_deletion": "true",
		"subset_size":             "25",
	})
	require.NoError(t, err)
	require.Equal(t, "/data/files", cfg.BasePath)
	require.True(t, cfg.AllowPhysicalDeletion)
	require.Equal(t, 25, cfg.SubsetSize)

	_, err = ParseConfig(map[string]string{})
	require.Error(t, err)

	_, err = ParseConfig(map[string]string{"base_path": "/data", "subset_size": "abc"})
	require.Error(t, err)
}
