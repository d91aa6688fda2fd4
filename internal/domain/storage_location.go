// Package domain contains the core business entities for Tierkeeper.
package domain

import "time"

// StorageLocationConfiguration is a named backend instance: a storage type,
// a backend plugin reference and its parameters, and an allocated capacity.
// Every FileReference's location names exactly one configuration.
type StorageLocationConfiguration struct {
	ID int64 `json:"id"`

	// Name identifies the location; FileLocation.Storage points here.
	Name string `json:"name"`

	StorageType StorageType `json:"storage_type"`

	// BackendType selects the backend factory in the registry
	// (e.g. "local", "s3tier").
	BackendType string `json:"backend_type"`

	// Parameters are the backend-specific settings, validated by the factory
	// before construction.
	Parameters map[string]string `json:"parameters,omitempty"`

	// AllocatedSizeKB is the capacity granted to this location, in kilobytes.
	// Zero means unbounded.
	AllocatedSizeKB int64 `json:"allocated_size_kb"`

	CreatedAt time.Time `json:"created_at"`
}
