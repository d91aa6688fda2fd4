// Package local provides an online storage backend on the local filesystem.
// Files are laid out under a base directory with 2-level checksum sharding to
// avoid huge flat directories.
package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/pkg/checksum"
)

// BackendType is the registry identifier of this backend.
const BackendType = "local"

// defaultSubsetSize bounds how many requests one working subset carries.
const defaultSubsetSize = 100

// Config holds the parameters of a local storage location.
type Config struct {
	// BasePath is the root directory files are stored under.
	BasePath string `validate:"required"`

	// AllowPhysicalDeletion permits deleting the stored files from disk.
	AllowPhysicalDeletion bool

	// SubsetSize is the maximum number of requests per working subset.
	SubsetSize int `validate:"gte=0"`
}

// ParseConfig builds and validates a Config from raw location parameters.
// Pure function: no filesystem access, no side effects.
func ParseConfig(params map[string]string) (Config, error) {
	cfg := Config{
		BasePath:   params["base_path"],
		SubsetSize: defaultSubsetSize,
	}
	if v, ok := params["allow_physical_deletion"]; ok {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid allow_physical_deletion %q: %w", v, err)
		}
		cfg.AllowPhysicalDeletion = allow
	}
	if v, ok := params["subset_size"]; ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid subset_size %q: %w", v, err)
		}
		cfg.SubsetSize = size
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid local backend configuration: %w", err)
	}
	return cfg, nil
}

// Factory builds a local backend from a storage location configuration.
func Factory(conf *domain.StorageLocationConfiguration) (backend.Backend, error) {
	cfg, err := ParseConfig(conf.Parameters)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// Local is an online backend storing files on the local filesystem.
type Local struct {
	cfg Config
}

// New creates a Local backend with the given configuration.
func New(cfg Config) *Local {
	if cfg.SubsetSize <= 0 {
		cfg.SubsetSize = defaultSubsetSize
	}
	return &Local{cfg: cfg}
}

// storagePath computes the sharded destination path for a checksum.
// Example: {base}/{sub}/ab/cd/abcdef1234...
func (l *Local) storagePath(subDirectory, sum string) string {
	dir := filepath.Join(l.cfg.BasePath, subDirectory)
	if len(sum) >= 4 {
		dir = filepath.Join(dir, sum[0:2], sum[2:4])
	}
	return filepath.Join(dir, sum)
}

// PrepareForStorage splits requests into fixed-size working subsets,
// rejecting requests whose origin URL cannot be read by this backend.
func (l *Local) PrepareForStorage(_ context.Context, requests []*domain.FileStorageRequest) (backend.PreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest], error) {
	response := backend.NewPreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest](nil, nil)
	var accepted []*domain.FileStorageRequest
	for _, request := range requests {
		if _, err := localPath(request.OriginURL); err != nil {
			response.Reject(request, "unreadable origin url %q: %v", request.OriginURL, err)
			continue
		}
		accepted = append(accepted, request)
	}
	for start := 0; start < len(accepted); start += l.cfg.SubsetSize {
		end := min(start+l.cfg.SubsetSize, len(accepted))
		response.WorkingSubsets = append(response.WorkingSubsets, backend.StorageWorkingSubset{Requests: accepted[start:end]})
	}
	return response, nil
}

// PrepareForDeletion splits requests into fixed-size working subsets.
func (l *Local) PrepareForDeletion(_ context.Context, requests []*domain.FileDeletionRequest) (backend.PreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest], error) {
	response := backend.NewPreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest](nil, nil)
	for start := 0; start < len(requests); start += l.cfg.SubsetSize {
		end := min(start+l.cfg.SubsetSize, len(requests))
		response.WorkingSubsets = append(response.WorkingSubsets, backend.DeletionWorkingSubset{Requests: requests[start:end]})
	}
	return response, nil
}

// PrepareForRestoration is not supported: online files never need a restore
// step.
func (l *Local) PrepareForRestoration(_ context.Context, _ []*domain.FileCacheRequest) (backend.PreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest], error) {
	return backend.PreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest]{}, backend.ErrNotSupported
}

// Store copies each request's origin file into the sharded layout, verifying
// the content checksum on the way. Outcomes are reported per request.
func (l *Local) Store(ctx context.Context, subset backend.StorageWorkingSubset, progress backend.StorageProgress) error {
	for _, request := range subset.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		storedURL, size, err := l.storeOne(request)
		if err != nil {
			progress.Failed(request, err.Error())
			continue
		}
		progress.Succeed(request, storedURL, size)
	}
	return nil
}

func (l *Local) storeOne(request *domain.FileStorageRequest) (string, int64, error) {
	origin, err := localPath(request.OriginURL)
	if err != nil {
		return "", 0, err
	}
	source, err := os.Open(origin)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open origin file: %w", err)
	}
	defer source.Close()

	destination := l.storagePath(request.SubDirectory, request.MetaInfo.Checksum)
	if err := os.MkdirAll(filepath.Dir(destination), 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create storage directory: %w", err)
	}
	target, err := os.Create(destination)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	verifier, err := checksum.NewWriter(target, request.MetaInfo.Algorithm)
	if err != nil {
		target.Close()
		return "", 0, err
	}
	if _, err := io.Copy(verifier, source); err != nil {
		target.Close()
		os.Remove(destination)
		return "", 0, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := target.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close destination file: %w", err)
	}
	if err := verifier.Verify(request.MetaInfo.Checksum); err != nil {
		os.Remove(destination)
		return "", 0, err
	}
	return (&url.URL{Scheme: "file", Path: destination}).String(), verifier.Size(), nil
}

// Delete removes each request's physical file when physical deletion is
// allowed. A file already gone counts as success.
func (l *Local) Delete(ctx context.Context, subset backend.DeletionWorkingSubset, progress backend.DeletionProgress) error {
	for _, request := range subset.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.cfg.AllowPhysicalDeletion {
			progress.Succeed(request)
			continue
		}
		path, err := localPath(request.FileReference.Location.URL)
		if err != nil {
			progress.Failed(request, err.Error())
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			progress.Failed(request, fmt.Sprintf("failed to delete file: %v", err))
			continue
		}
		progress.Succeed(request)
	}
	return nil
}

// Retrieve is not supported: online files are already retrievable.
func (l *Local) Retrieve(_ context.Context, _ backend.RestorationWorkingSubset, _ backend.RestorationProgress) error {
	return backend.ErrNotSupported
}

// CheckAvailability is not supported: online files are always available.
func (l *Local) CheckAvailability(_ context.Context, _ *domain.FileReference) (backend.Availability, error) {
	return backend.Availability{}, backend.ErrNotSupported
}

// Download streams a stored file straight from disk.
func (l *Local) Download(_ context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
	path, err := localPath(ref.Location.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrDownload, err)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotAvailable, path)
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrDownload, err)
	}
	return file, nil
}

// RunPeriodicAction is a no-op: the local backend never defers work.
func (l *Local) RunPeriodicAction(_ context.Context, _ backend.PendingActionProgress) error {
	return nil
}

// ValidateURL checks that the URL is a file URL under the configured base
// path.
func (l *Local) ValidateURL(rawURL string) error {
	path, err := localPath(rawURL)
	if err != nil {
		return err
	}
	absBase, err := filepath.Abs(l.cfg.BasePath)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(absBase, absPath); err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return fmt.Errorf("url %q is outside storage base path %q", rawURL, l.cfg.BasePath)
	}
	return nil
}

// AllowsPhysicalDeletion reports the configured deletion policy.
func (l *Local) AllowsPhysicalDeletion() bool {
	return l.cfg.AllowPhysicalDeletion
}

// localPath converts a file URL or plain path into a filesystem path.
func localPath(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("malformed url %q: %w", rawURL, err)
	}
	switch parsed.Scheme {
	case "", "file":
		if parsed.Path != "" {
			return parsed.Path, nil
		}
		return parsed.Opaque, nil
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}
