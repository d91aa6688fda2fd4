// Package domain contains the core business entities for Tierkeeper.
package domain

import "time"

// FileRequestStatus is the lifecycle state of a pending file request.
type FileRequestStatus string

const (
	// RequestStatusTodo means the request is eligible for dispatch.
	RequestStatusTodo FileRequestStatus = "TO_DO"

	// RequestStatusPending means the request belongs to a working subset
	// currently handed to an executor.
	RequestStatusPending FileRequestStatus = "PENDING"

	// RequestStatusError means the request terminated with a failure. It is
	// retained with its error cause and may be re-submitted.
	RequestStatusError FileRequestStatus = "ERROR"
)

// FileStorageRequest is a unit of pending work asking for one checksum to be
// stored on one storage location.
type FileStorageRequest struct {
	ID int64 `json:"id"`

	MetaInfo FileMetaInfo `json:"meta_info"`

	// OriginURL is where the file bytes can be read from during storage.
	OriginURL string `json:"origin_url"`

	// Storage is the destination location name. Empty when the caller left
	// the choice to the allocation strategy.
	Storage string `json:"storage,omitempty"`

	// SubDirectory optionally narrows where the backend should place the file.
	SubDirectory string `json:"sub_directory,omitempty"`

	Owners []string `json:"owners,omitempty"`

	// GroupID is the business identifier of the batch this request belongs to.
	GroupID string `json:"group_id"`

	Status     FileRequestStatus `json:"status"`
	ErrorCause string            `json:"error_cause,omitempty"`

	// JobID identifies the executor invocation handling this request, once
	// dispatched.
	JobID string `json:"job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FileDeletionRequest is a unit of pending work asking for one referenced
// file to be removed from one storage location.
type FileDeletionRequest struct {
	ID int64 `json:"id"`

	// FileReference is the reference to delete.
	FileReference *FileReference `json:"file_reference"`

	// Storage is the location holding the file.
	Storage string `json:"storage"`

	// ForceDelete requests reference removal even if the physical deletion
	// fails.
	ForceDelete bool `json:"force_delete"`

	GroupID string `json:"group_id"`

	Status     FileRequestStatus `json:"status"`
	ErrorCause string            `json:"error_cause,omitempty"`
	JobID      string            `json:"job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Checksum is the checksum of the referenced file.
func (r *FileDeletionRequest) Checksum() string {
	if r.FileReference == nil {
		return ""
	}
	return r.FileReference.MetaInfo.Checksum
}

// FileCacheRequest is a unit of pending work asking for one nearline file to
// be restored into the internal cache.
type FileCacheRequest struct {
	ID int64 `json:"id"`

	// FileReference is the nearline reference to restore.
	FileReference *FileReference `json:"file_reference"`

	// Storage is the nearline location holding the file.
	Storage string `json:"storage"`

	// DestinationPath is the internal cache directory the restored bytes
	// must land in.
	DestinationPath string `json:"destination_path"`

	// ExpirationDate bounds how long the restored copy must stay available.
	ExpirationDate time.Time `json:"expiration_date"`

	GroupID string `json:"group_id"`

	Status     FileRequestStatus `json:"status"`
	ErrorCause string            `json:"error_cause,omitempty"`
	JobID      string            `json:"job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Checksum is the checksum of the referenced file.
func (r *FileCacheRequest) Checksum() string {
	if r.FileReference == nil {
		return ""
	}
	return r.FileReference.MetaInfo.Checksum
}

// FileSize is the size of the referenced file, used for cache free-space
// accounting.
func (r *FileCacheRequest) FileSize() int64 {
	if r.FileReference == nil {
		return 0
	}
	return r.FileReference.MetaInfo.Size
}

// FileCopyRequest is a unit of pending work asking for one referenced file
// to be copied onto another storage location. The bytes travel through the
// internal cache: the source copy is made available first, then stored on
// the destination.
type FileCopyRequest struct {
	ID int64 `json:"id"`

	MetaInfo FileMetaInfo `json:"meta_info"`

	// SourceStorage is the location the file is read from.
	SourceStorage string `json:"source_storage"`

	// SourceURL is the backend address of the source copy. Used as the
	// storage origin when the available copy lives in the backend's own
	// staging area rather than on local cache disk.
	SourceURL string `json:"source_url"`

	// DestinationStorage is the location the file must end up on.
	DestinationStorage string `json:"destination_storage"`

	// SubDirectory optionally narrows where the destination backend should
	// place the file.
	SubDirectory string `json:"sub_directory,omitempty"`

	GroupID string `json:"group_id"`

	Status     FileRequestStatus `json:"status"`
	ErrorCause string            `json:"error_cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Checksum is a shorthand for the request's content hash.
func (r *FileCopyRequest) Checksum() string {
	return r.MetaInfo.Checksum
}
