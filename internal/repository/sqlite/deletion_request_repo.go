package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// deletionRequestRepository implements repository.DeletionRequestRepository for SQLite.
// The referenced file is stored as a JSON snapshot so the request stays
// executable even while the live reference row is being changed.
type deletionRequestRepository struct {
	db *DB
}

// NewDeletionRequestRepository creates a new SQLite deletion request repository.
func NewDeletionRequestRepository(db *DB) repository.DeletionRequestRepository {
	return &deletionRequestRepository{db: db}
}

const deletionRequestColumns = `id, storage, file_reference, force_delete, group_id, status, error_cause, job_id, created_at`

// Create persists a new deletion request.
func (r *deletionRequestRepository) Create(ctx context.Context, req *domain.FileDeletionRequest) error {
	ref, err := json.Marshal(req.FileReference)
	if err != nil {
		return fmt.Errorf("failed to marshal file reference: %w", err)
	}

	query := `
		INSERT INTO deletion_requests (checksum, storage, file_reference, force_delete,
			group_id, status, error_cause, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		req.Checksum(),
		req.Storage,
		string(ref),
		boolToInt(req.ForceDelete),
		req.GroupID,
		string(req.Status),
		req.ErrorCause,
		req.JobID,
		req.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create deletion request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	req.ID = id

	return nil
}

// FindByStorageAndStatus returns up to limit requests for one storage in the
// given status, ordered by id.
func (r *deletionRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileDeletionRequest, error) {
	query := `
		SELECT ` + deletionRequestColumns + `
		FROM deletion_requests
		WHERE storage = ? AND status = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, storage, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletion requests: %w", err)
	}
	defer rows.Close()

	return scanDeletionRequests(rows)
}

// Storages returns the distinct storage names having requests in the given status.
func (r *deletionRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	return distinctStorages(ctx, r.db, "deletion_requests", status)
}

// UpdateStatus moves a request to a new status.
func (r *deletionRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	return updateRequestStatus(ctx, r.db, "deletion_requests", id, status, jobID, errorCause)
}

// Delete removes a request.
func (r *deletionRequestRepository) Delete(ctx context.Context, id int64) error {
	return deleteRequest(ctx, r.db, "deletion_requests", id)
}

func scanDeletionRequests(rows *sql.Rows) ([]*domain.FileDeletionRequest, error) {
	var reqs []*domain.FileDeletionRequest
	for rows.Next() {
		req := &domain.FileDeletionRequest{}
		var ref, status, createdAt string
		var forceDelete int

		err := rows.Scan(
			&req.ID,
			&req.Storage,
			&ref,
			&forceDelete,
			&req.GroupID,
			&status,
			&req.ErrorCause,
			&req.JobID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deletion request: %w", err)
		}

		if err := json.Unmarshal([]byte(ref), &req.FileReference); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file reference: %w", err)
		}
		req.ForceDelete = forceDelete != 0
		req.Status = domain.FileRequestStatus(status)
		req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deletion requests: %w", err)
	}
	return reqs, nil
}
