// Package domain contains the core business entities for Tierkeeper.
package domain

import "time"

// StorageType classifies a storage location by its access latency.
type StorageType string

const (
	// StorageTypeOnline is synchronously retrievable at all times.
	StorageTypeOnline StorageType = "ONLINE"

	// StorageTypeNearline may require an explicit restore step before retrieval.
	StorageTypeNearline StorageType = "NEARLINE"

	// StorageTypeOffline has no automated retrieval path.
	StorageTypeOffline StorageType = "OFFLINE"
)

// retrievalPriority orders storage types by how cheaply a file can be served.
// When the same checksum is referenced on several storages, the reference on
// the highest-priority storage wins.
func (t StorageType) retrievalPriority() int {
	switch t {
	case StorageTypeOnline:
		return 2
	case StorageTypeNearline:
		return 1
	default:
		return 0
	}
}

// ComparePriorityWith returns a positive value if t is preferable to other
// for serving a file, negative if other is preferable, zero if equal.
func (t StorageType) ComparePriorityWith(other StorageType) int {
	return t.retrievalPriority() - other.retrievalPriority()
}

// FileLocation is the placement of a file reference on one storage location.
type FileLocation struct {
	// Storage is the name of the StorageLocationConfiguration holding the file.
	Storage string `json:"storage"`

	// URL is the backend-specific address of the stored file.
	URL string `json:"url"`

	// PendingActionRemaining is true while the backend still has an
	// asynchronous follow-up action to run for this file. The file is
	// readable in this state.
	PendingActionRemaining bool `json:"pending_action_remaining"`
}

// FileMetaInfo carries the immutable description of a stored file.
type FileMetaInfo struct {
	// Checksum is the content hash and serves as the file identity.
	Checksum string `json:"checksum"`

	// Algorithm is the hash algorithm used to compute Checksum (e.g. "MD5").
	Algorithm string `json:"algorithm"`

	// FileName is the original name of the file.
	FileName string `json:"file_name"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// MimeType is the declared media type.
	MimeType string `json:"mime_type"`
}

// FileReference is a stored file's identity and current placement.
// It is created when a storage request completes successfully and destroyed
// when a deletion request completes successfully.
type FileReference struct {
	ID int64 `json:"id"`

	MetaInfo FileMetaInfo `json:"meta_info"`

	Location FileLocation `json:"location"`

	// NearlineConfirmed is set once a nearline backend has explicitly
	// reported the file as not currently available. While true, availability
	// checks skip the backend entirely. Only an explicit negative answer
	// sets it; errors and positive answers never do.
	NearlineConfirmed bool `json:"nearline_confirmed"`

	// Owners are the components that requested this file to be stored.
	Owners []string `json:"owners,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Checksum is a shorthand for the reference's content hash.
func (f *FileReference) Checksum() string {
	return f.MetaInfo.Checksum
}
