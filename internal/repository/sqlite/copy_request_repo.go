package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// copyRequestRepository implements repository.CopyRequestRepository for SQLite.
type copyRequestRepository struct {
	db *DB
}

// NewCopyRequestRepository creates a new SQLite copy request repository.
func NewCopyRequestRepository(db *DB) repository.CopyRequestRepository {
	return &copyRequestRepository{db: db}
}

const copyRequestColumns = `id, checksum, algorithm, file_name, size, mime_type,
	source_storage, source_url, destination_storage, sub_directory, group_id, status, error_cause, created_at`

// Create persists a new copy request.
func (r *copyRequestRepository) Create(ctx context.Context, req *domain.FileCopyRequest) error {
	query := `
		INSERT INTO copy_requests (checksum, algorithm, file_name, size, mime_type,
			source_storage, source_url, destination_storage, sub_directory, group_id, status, error_cause, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		req.MetaInfo.Checksum,
		req.MetaInfo.Algorithm,
		req.MetaInfo.FileName,
		req.MetaInfo.Size,
		req.MetaInfo.MimeType,
		req.SourceStorage,
		req.SourceURL,
		req.DestinationStorage,
		req.SubDirectory,
		req.GroupID,
		string(req.Status),
		req.ErrorCause,
		req.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: copy to %s already requested for %s",
				domain.ErrFileReferenceAlreadyExists, req.DestinationStorage, req.MetaInfo.Checksum)
		}
		return fmt.Errorf("failed to create copy request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	req.ID = id

	return nil
}

// FindByStatus returns up to limit requests in the given status, ordered by id.
func (r *copyRequestRepository) FindByStatus(ctx context.Context, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error) {
	query := `
		SELECT ` + copyRequestColumns + `
		FROM copy_requests
		WHERE status = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query copy requests: %w", err)
	}
	defer rows.Close()

	return scanCopyRequests(rows)
}

// FindByStorageAndStatus returns up to limit requests headed for one
// destination storage in the given status, ordered by id.
func (r *copyRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error) {
	query := `
		SELECT ` + copyRequestColumns + `
		FROM copy_requests
		WHERE destination_storage = ? AND status = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, storage, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query copy requests: %w", err)
	}
	defer rows.Close()

	return scanCopyRequests(rows)
}

// UpdateStatus moves a request to a new status.
func (r *copyRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, errorCause string) error {
	return updateRequestStatus(ctx, r.db, "copy_requests", id, status, "", errorCause)
}

// Delete removes a request.
func (r *copyRequestRepository) Delete(ctx context.Context, id int64) error {
	return deleteRequest(ctx, r.db, "copy_requests", id)
}

func scanCopyRequests(rows *sql.Rows) ([]*domain.FileCopyRequest, error) {
	var reqs []*domain.FileCopyRequest
	for rows.Next() {
		req := &domain.FileCopyRequest{}
		var status, createdAt string

		err := rows.Scan(
			&req.ID,
			&req.MetaInfo.Checksum,
			&req.MetaInfo.Algorithm,
			&req.MetaInfo.FileName,
			&req.MetaInfo.Size,
			&req.MetaInfo.MimeType,
			&req.SourceStorage,
			&req.SourceURL,
			&req.DestinationStorage,
			&req.SubDirectory,
			&req.GroupID,
			&status,
			&req.ErrorCause,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan copy request: %w", err)
		}

		req.Status = domain.FileRequestStatus(status)
		req.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}
