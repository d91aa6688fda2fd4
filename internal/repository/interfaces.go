// Package repository defines data access interfaces for Tierkeeper.
// These interfaces abstract database operations, allowing for different
// implementations (SQLite for embedded deployments, PostgreSQL for server
// deployments, mocks for testing) while keeping the service layer clean.
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

// =============================================================================
// File Reference Repository
// =============================================================================

// FileReferenceRepository defines the interface for file reference access.
// All writes are single-row, keyed by checksum + storage, so one failing
// request never rolls back unrelated entries of a batch.
type FileReferenceRepository interface {
	// Create persists a new file reference.
	Create(ctx context.Context, ref *domain.FileReference) error

	// GetByChecksum retrieves every reference for a checksum. The same
	// checksum may be referenced on several storages; callers pick by
	// storage priority.
	GetByChecksum(ctx context.Context, checksum string) ([]*domain.FileReference, error)

	// GetByStorageAndChecksum retrieves the reference for a checksum on one
	// storage location. Returns domain.ErrFileReferenceNotFound when absent.
	GetByStorageAndChecksum(ctx context.Context, storage, checksum string) (*domain.FileReference, error)

	// Search retrieves all references whose checksum is in the given set.
	Search(ctx context.Context, checksums []string) ([]*domain.FileReference, error)

	// Update persists changes to an existing reference.
	Update(ctx context.Context, ref *domain.FileReference) error

	// SetNearlineConfirmed atomically flips the nearline confirmation flag of
	// one reference.
	SetNearlineConfirmed(ctx context.Context, storage, checksum string, confirmed bool) error

	// SetPendingActionRemaining updates the pending-action flag of the
	// reference stored at the given URL. Returns
	// domain.ErrFileReferenceNotFound when no reference matches.
	SetPendingActionRemaining(ctx context.Context, storedURL string, remaining bool) error

	// ClearPendingActionsByStorage clears the pending-action flag for every
	// reference on a storage location. Returns the number of rows updated.
	ClearPendingActionsByStorage(ctx context.Context, storage string) (int64, error)

	// CountPendingActions returns the number of references on a storage
	// location still carrying the pending-action flag.
	CountPendingActions(ctx context.Context, storage string) (int64, error)

	// Delete removes a reference.
	Delete(ctx context.Context, id int64) error
}

// =============================================================================
// Cache File Repository (availability ledger)
// =============================================================================

// CacheFileRepository defines the interface for the cache ledger.
type CacheFileRepository interface {
	// Save creates or updates a ledger entry (keyed by checksum).
	Save(ctx context.Context, file *domain.CacheFile) error

	// GetByChecksum retrieves the entry for a checksum.
	// Returns domain.ErrCacheFileNotFound when absent.
	GetByChecksum(ctx context.Context, checksum string) (*domain.CacheFile, error)

	// FindByChecksums retrieves all entries whose checksum is in the set.
	FindByChecksums(ctx context.Context, checksums []string) ([]*domain.CacheFile, error)

	// FindExpired returns up to limit entries expired at the given instant.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.CacheFile, error)

	// List returns up to limit entries ordered by id, starting after afterID.
	// Used by the startup disk coherence check.
	List(ctx context.Context, afterID int64, limit int) ([]*domain.CacheFile, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id int64) error

	// DeleteByChecksum removes the entry for a checksum if present.
	DeleteByChecksum(ctx context.Context, checksum string) error

	// TotalSize returns the summed size in bytes of all internal entries.
	TotalSize(ctx context.Context) (int64, error)

	// Count returns the number of ledger entries.
	Count(ctx context.Context) (int64, error)
}

// =============================================================================
// Storage Location Repository
// =============================================================================

// StorageLocationRepository defines the interface for storage location
// configuration access.
type StorageLocationRepository interface {
	// Create persists a new storage location configuration.
	Create(ctx context.Context, conf *domain.StorageLocationConfiguration) error

	// GetByName retrieves a configuration by location name.
	// Returns domain.ErrStorageLocationNotFound when absent.
	GetByName(ctx context.Context, name string) (*domain.StorageLocationConfiguration, error)

	// FindByNames retrieves all configurations whose name is in the set.
	FindByNames(ctx context.Context, names []string) ([]*domain.StorageLocationConfiguration, error)

	// List returns all configurations.
	List(ctx context.Context) ([]*domain.StorageLocationConfiguration, error)

	// Update persists changes to an existing configuration.
	Update(ctx context.Context, conf *domain.StorageLocationConfiguration) error

	// Delete removes a configuration by name.
	Delete(ctx context.Context, name string) error
}

// =============================================================================
// Request Repositories (pending work queues)
// =============================================================================

// StorageRequestRepository defines the interface for pending storage requests.
type StorageRequestRepository interface {
	Create(ctx context.Context, req *domain.FileStorageRequest) error

	// FindByStorageAndStatus returns up to limit requests targeting a storage
	// location in the given status, ordered by id.
	FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileStorageRequest, error)

	// Storages returns the distinct storage names having requests in the
	// given status.
	Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error)

	// UpdateStatus moves a request to a new status, recording the executor
	// job id and the error cause when relevant.
	UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error

	Delete(ctx context.Context, id int64) error
}

// DeletionRequestRepository defines the interface for pending deletion
// requests.
type DeletionRequestRepository interface {
	Create(ctx context.Context, req *domain.FileDeletionRequest) error

	FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileDeletionRequest, error)

	Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error)

	UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error

	Delete(ctx context.Context, id int64) error
}

// CacheRequestRepository defines the interface for pending restoration
// requests.
type CacheRequestRepository interface {
	Create(ctx context.Context, req *domain.FileCacheRequest) error

	// GetByChecksum retrieves the pending restoration request for a checksum,
	// if any. Returns domain.ErrRequestNotFound when absent.
	GetByChecksum(ctx context.Context, checksum string) (*domain.FileCacheRequest, error)

	FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCacheRequest, error)

	Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error)

	UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error

	// PendingSize returns the summed file size of requests not yet in error,
	// used for cache free-space accounting.
	PendingSize(ctx context.Context) (int64, error)

	// CountActiveByGroup returns the number of requests submitted for a group
	// that are neither finished nor in error. Zero means the group's
	// restoration work is done.
	CountActiveByGroup(ctx context.Context, groupID string) (int64, error)

	Delete(ctx context.Context, id int64) error
}

// CopyRequestRepository defines the interface for pending copy requests.
type CopyRequestRepository interface {
	Create(ctx context.Context, req *domain.FileCopyRequest) error

	// FindByStatus returns up to limit requests in the given status across
	// all destination storages, ordered by id.
	FindByStatus(ctx context.Context, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error)

	FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error)

	UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, errorCause string) error

	Delete(ctx context.Context, id int64) error
}
