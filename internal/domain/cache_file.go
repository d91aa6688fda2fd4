// Package domain contains the core business entities for Tierkeeper.
package domain

import "time"

// CacheFileType distinguishes where the cached bytes actually live.
type CacheFileType string

const (
	// CacheFileInternal means the bytes are held by the local disk cache.
	CacheFileInternal CacheFileType = "INTERNAL"

	// CacheFileExternal means the bytes remain in a nearline backend's own
	// fast tier; the backend has confirmed they are retrievable until the
	// expiration date.
	CacheFileExternal CacheFileType = "EXTERNAL"
)

// CacheFile is a ledger entry mapping a checksum to a usable fast-access copy.
// Entries are created when a restoration completes, when a store places a file
// in cache, or when a nearline availability check confirms an external hit.
// They are destroyed when expired or when a download discovers the backend no
// longer holds the copy.
type CacheFile struct {
	ID int64 `json:"id"`

	// Checksum identifies the cached file.
	Checksum string `json:"checksum"`

	Type CacheFileType `json:"type"`

	// Location is the local path for internal entries. Empty for external
	// entries, whose bytes are fetched through the origin backend.
	Location string `json:"location,omitempty"`

	Size     int64  `json:"size"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`

	// Groups are the business request identifiers interested in this copy.
	Groups []string `json:"groups,omitempty"`

	// ExpirationDate is when the copy stops being trustworthy.
	ExpirationDate time.Time `json:"expiration_date"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the entry has outlived its expiration date.
func (c *CacheFile) IsExpired(now time.Time) bool {
	return c.ExpirationDate.Before(now)
}

// AddGroup records a business request identifier on the entry, ignoring
// duplicates.
func (c *CacheFile) AddGroup(groupID string) {
	for _, g := range c.Groups {
		if g == groupID {
			return
		}
	}
	c.Groups = append(c.Groups, groupID)
}

// ExtendExpiration pushes the expiration date forward. It never shrinks an
// already later date.
func (c *CacheFile) ExtendExpiration(expiration time.Time) {
	if expiration.After(c.ExpirationDate) {
		c.ExpirationDate = expiration
	}
}
