// Package event publishes request lifecycle notifications. Callers that
// submitted a group of file requests learn about per-file outcomes and about
// group completion through these events.
package event

import (
	"context"
	"time"
)

// FileEventType enumerates per-file outcomes.
type FileEventType string

const (
	FileStored              FileEventType = "STORED"
	FileStoreError          FileEventType = "STORE_ERROR"
	FileDeleted             FileEventType = "DELETED"
	FileDeleteError         FileEventType = "DELETE_ERROR"
	FileAvailable           FileEventType = "AVAILABLE"
	FileRestoreError        FileEventType = "RESTORE_ERROR"
	FileAvailabilityExpired FileEventType = "AVAILABILITY_EXPIRED"
	FilePendingActionDone   FileEventType = "PENDING_ACTION_DONE"
	FilePendingActionError  FileEventType = "PENDING_ACTION_ERROR"
)

// GroupEventType enumerates request-group outcomes.
type GroupEventType string

const (
	GroupDone  GroupEventType = "DONE"
	GroupError GroupEventType = "ERROR"
)

// FileEvent reports the outcome of one file within a request group.
type FileEvent struct {
	Type      FileEventType `json:"type"`
	Checksum  string        `json:"checksum"`
	Storage   string        `json:"storage,omitempty"`
	GroupID   string        `json:"group_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// GroupEvent reports the completion of a whole request group.
type GroupEvent struct {
	Type      GroupEventType `json:"type"`
	GroupID   string         `json:"group_id"`
	Errors    []string       `json:"errors,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events to interested parties.
type Publisher interface {
	PublishFileEvent(ctx context.Context, event FileEvent) error
	PublishGroupEvent(ctx context.Context, event GroupEvent) error
}
