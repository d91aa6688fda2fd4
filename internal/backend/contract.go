// Package backend defines the pluggable contract every storage backend
// (online, nearline, offline) must implement, together with the progress
// reporting protocol used during asynchronous execution.
//
// The orchestrator never branches on a backend's concrete type. Capabilities
// a backend kind does not have (direct download, restoration, ...) return
// ErrNotSupported instead of being discovered through type assertions.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

var (
	// ErrNotSupported is returned by capability methods a backend kind does
	// not implement (e.g. Download on an online backend).
	ErrNotSupported = errors.New("operation not supported by this storage backend")

	// ErrNotAvailable is returned by Download when the backend's fast tier no
	// longer holds the file. The caller must treat any cache ledger entry for
	// the file as stale.
	ErrNotAvailable = errors.New("file not present in backend fast tier")

	// ErrDownload is returned by Download on a transient I/O or network
	// failure unrelated to whether the file is still cached.
	ErrDownload = errors.New("download failed")
)

// Availability is the result of a nearline availability check for one file.
type Availability struct {
	// Available is true when the file can be fetched right now without a
	// restore step.
	Available bool

	// ExpirationDate is how long the backend guarantees the fast-tier copy,
	// when Available is true and the backend knows. Zero means unknown.
	ExpirationDate time.Time

	// Message is a human-readable detail for operators.
	Message string
}

// StorageWorkingSubset is an immutable group of storage requests, all assigned
// to the same backend instance, executed by exactly one executor invocation.
type StorageWorkingSubset struct {
	Requests []*domain.FileStorageRequest
}

// DeletionWorkingSubset groups deletion requests for one backend invocation.
type DeletionWorkingSubset struct {
	Requests []*domain.FileDeletionRequest
}

// RestorationWorkingSubset groups restoration requests for one backend
// invocation.
type RestorationWorkingSubset struct {
	Requests []*domain.FileCacheRequest
}

// PreparationResponse is the output of a backend's PrepareFor* method: the
// working subsets it built, plus a rejection reason per request it could not
// prepare. Every input request must land in exactly one of the two.
type PreparationResponse[S any, R comparable] struct {
	WorkingSubsets []S

	// Errors maps each rejected request to a human-readable reason.
	Errors map[R]string
}

// NewPreparationResponse builds a response from subsets and rejections,
// normalizing a nil rejection map.
func NewPreparationResponse[S any, R comparable](subsets []S, rejections map[R]string) PreparationResponse[S, R] {
	if rejections == nil {
		rejections = make(map[R]string)
	}
	return PreparationResponse[S, R]{WorkingSubsets: subsets, Errors: rejections}
}

// Reject records a rejection reason for a request.
func (p *PreparationResponse[S, R]) Reject(request R, format string, args ...any) {
	if p.Errors == nil {
		p.Errors = make(map[R]string)
	}
	p.Errors[request] = fmt.Sprintf(format, args...)
}

// StorageProgress is the only channel by which a backend reports storage
// outcomes back to persisted state. Every request in a dispatched subset must
// receive exactly one terminal callback.
type StorageProgress interface {
	// Succeed reports a terminal success: the file is stored at storedURL.
	Succeed(request *domain.FileStorageRequest, storedURL string, size int64)

	// SucceedWithPendingAction reports that the file is usable now but the
	// backend still has an asynchronous follow-up action to complete.
	// The request terminates; the file reference keeps a pending-action flag
	// until a later periodic action clears or escalates it.
	SucceedWithPendingAction(request *domain.FileStorageRequest, storedURL string, size int64, notifyAdministrators bool)

	// Failed reports a terminal failure with its cause.
	Failed(request *domain.FileStorageRequest, cause string)
}

// DeletionProgress reports deletion outcomes.
type DeletionProgress interface {
	Succeed(request *domain.FileDeletionRequest)

	Failed(request *domain.FileDeletionRequest, cause string)
}

// RestorationProgress reports restoration outcomes. A success means the file
// bytes have been copied to restoredPath inside the internal cache.
type RestorationProgress interface {
	Succeed(request *domain.FileCacheRequest, restoredPath string, size int64)

	Failed(request *domain.FileCacheRequest, cause string)
}

// PendingActionProgress lets a backend promote previously-reported pending
// actions during RunPeriodicAction. Files are identified by their stored URL.
type PendingActionProgress interface {
	// PendingActionSucceed clears the pending-action flag for the file stored
	// at the given URL.
	PendingActionSucceed(storedURL string)

	// PendingActionError escalates a pending action that ultimately failed.
	PendingActionError(storedURL string, cause string)

	// AllPendingActionSucceed clears every pending-action flag on the given
	// storage location at once.
	AllPendingActionSucceed(storage string)
}

// Backend is the uniform SPI implemented by every storage backend.
//
// PrepareFor* methods partition a batch into backend-chosen groupings without
// mutating request state; each input request must appear in exactly one
// working subset or one rejection entry.
//
// Store, Delete and Retrieve report outcomes exclusively through the supplied
// progress interface. An error returned from them is a backend fault and is
// fatal to the whole subset: the orchestrator fails every contained request.
type Backend interface {
	// PrepareForStorage partitions storage requests into working subsets.
	PrepareForStorage(ctx context.Context, requests []*domain.FileStorageRequest) (PreparationResponse[StorageWorkingSubset, *domain.FileStorageRequest], error)

	// PrepareForDeletion partitions deletion requests into working subsets.
	PrepareForDeletion(ctx context.Context, requests []*domain.FileDeletionRequest) (PreparationResponse[DeletionWorkingSubset, *domain.FileDeletionRequest], error)

	// PrepareForRestoration partitions restoration requests into working
	// subsets. Online backends return ErrNotSupported.
	PrepareForRestoration(ctx context.Context, requests []*domain.FileCacheRequest) (PreparationResponse[RestorationWorkingSubset, *domain.FileCacheRequest], error)

	// Store executes one storage working subset.
	Store(ctx context.Context, subset StorageWorkingSubset, progress StorageProgress) error

	// Delete executes one deletion working subset.
	Delete(ctx context.Context, subset DeletionWorkingSubset, progress DeletionProgress) error

	// Retrieve restores the files of one restoration working subset into the
	// internal cache. Online backends return ErrNotSupported.
	Retrieve(ctx context.Context, subset RestorationWorkingSubset, progress RestorationProgress) error

	// CheckAvailability queries whether the file is retrievable right now
	// without a restore step. Only nearline backends implement it; others
	// return ErrNotSupported. Potentially slow; callers must bound it with
	// the context.
	CheckAvailability(ctx context.Context, ref *domain.FileReference) (Availability, error)

	// Download fetches the file directly from the backend's fast tier.
	// Fails with ErrNotAvailable when the fast tier no longer holds the file,
	// with ErrDownload on transient failures, and with ErrNotSupported when
	// the backend has no direct-download capability.
	Download(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error)

	// RunPeriodicAction lets the backend check on previously-reported pending
	// actions and promote them to success or error. Invoked on a schedule.
	RunPeriodicAction(ctx context.Context, progress PendingActionProgress) error

	// ValidateURL reports whether the URL is a well-formed address for this
	// backend. No side effects.
	ValidateURL(rawURL string) error

	// AllowsPhysicalDeletion reports whether the backend permits deleting the
	// physical files it stores.
	AllowsPhysicalDeletion() bool
}
