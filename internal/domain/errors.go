// Package domain contains the core business entities for Tierkeeper.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ErrFileReferenceNotFound indicates no reference exists for a checksum.
	ErrFileReferenceNotFound = errors.New("file reference not found")

	// ErrFileReferenceAlreadyExists indicates a reference already exists for
	// the checksum on the same storage.
	ErrFileReferenceAlreadyExists = errors.New("file reference already exists")

	// ErrCacheFileNotFound indicates no cache ledger entry exists for a checksum.
	ErrCacheFileNotFound = errors.New("cache file not found")

	// ErrStorageLocationNotFound indicates the named storage location is not
	// configured.
	ErrStorageLocationNotFound = errors.New("storage location not found")

	// ErrStorageLocationAlreadyExists indicates a location with the same name
	// exists.
	ErrStorageLocationAlreadyExists = errors.New("storage location already exists")

	// ErrRequestNotFound indicates the pending request does not exist anymore.
	ErrRequestNotFound = errors.New("file request not found")

	// ErrFileNotAvailable indicates the file is not currently retrievable.
	// For downloads this invalidates any cache ledger entry.
	ErrFileNotAvailable = errors.New("file is not available for download")

	// ErrDownloadTransient indicates an I/O or network error unrelated to
	// whether the file is still cached. Cache state is left untouched.
	ErrDownloadTransient = errors.New("transient download failure")

	// ErrTooManyChecksums indicates an availability request exceeded the
	// configured bulk limit.
	ErrTooManyChecksums = errors.New("too many checksums in availability request")

	// ErrCacheFull indicates the internal cache cannot hold the requested
	// restorations without exceeding its size limit.
	ErrCacheFull = errors.New("internal cache is full")

	// ErrAccessDenied indicates the caller does not have access to the file.
	ErrAccessDenied = errors.New("access denied")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g. checksum, storage name).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{Err: err, Message: message, Resource: resource}
}
