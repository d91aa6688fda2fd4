package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// cacheRequestRepository implements repository.CacheRequestRepository for SQLite.
// At most one restoration request exists per checksum; a second submission
// for the same checksum joins the first via its group list instead.
type cacheRequestRepository struct {
	db *DB
}

// NewCacheRequestRepository creates a new SQLite cache request repository.
func NewCacheRequestRepository(db *DB) repository.CacheRequestRepository {
	return &cacheRequestRepository{db: db}
}

const cacheRequestColumns = `id, storage, file_reference, destination_path, expiration_date,
	group_id, status, error_cause, job_id, created_at`

// Create persists a new restoration request.
func (r *cacheRequestRepository) Create(ctx context.Context, req *domain.FileCacheRequest) error {
	ref, err := json.Marshal(req.FileReference)
	if err != nil {
		return fmt.Errorf("failed to marshal file reference: %w", err)
	}

	query := `
		INSERT INTO cache_requests (checksum, storage, file_reference, destination_path,
			expiration_date, group_id, status, error_cause, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		req.Checksum(),
		req.Storage,
		string(ref),
		req.DestinationPath,
		req.ExpirationDate.UTC().Format(time.RFC3339),
		req.GroupID,
		string(req.Status),
		req.ErrorCause,
		req.JobID,
		req.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: restoration already requested for %s", domain.ErrFileReferenceAlreadyExists, req.Checksum())
		}
		return fmt.Errorf("failed to create cache request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	req.ID = id

	return nil
}

// GetByChecksum retrieves the restoration request for a checksum, if any.
func (r *cacheRequestRepository) GetByChecksum(ctx context.Context, checksum string) (*domain.FileCacheRequest, error) {
	query := `
		SELECT ` + cacheRequestColumns + `
		FROM cache_requests
		WHERE checksum = ?
	`

	req, err := scanCacheRequest(r.db.QueryRowContext(ctx, query, checksum))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get cache request: %w", err)
	}

	return req, nil
}

// FindByStorageAndStatus returns up to limit requests for one storage in the
// given status, ordered by id.
func (r *cacheRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCacheRequest, error) {
	query := `
		SELECT ` + cacheRequestColumns + `
		FROM cache_requests
		WHERE storage = ? AND status = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, storage, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache requests: %w", err)
	}
	defer rows.Close()

	var reqs []*domain.FileCacheRequest
	for rows.Next() {
		req, err := scanCacheRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache requests: %w", err)
	}
	return reqs, nil
}

// Storages returns the distinct storage names having requests in the given status.
func (r *cacheRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	return distinctStorages(ctx, r.db, "cache_requests", status)
}

// UpdateStatus moves a request to a new status.
func (r *cacheRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	return updateRequestStatus(ctx, r.db, "cache_requests", id, status, jobID, errorCause)
}

// PendingSize returns the summed file size of requests not yet in error.
func (r *cacheRequestRepository) PendingSize(ctx context.Context) (int64, error) {
	query := `
		SELECT COALESCE(SUM(json_extract(file_reference, '$.meta_info.size')), 0)
		FROM cache_requests
		WHERE status != ?
	`

	var total int64
	if err := r.db.QueryRowContext(ctx, query, string(domain.RequestStatusError)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum pending cache request sizes: %w", err)
	}
	return total, nil
}

// CountActiveByGroup returns the number of requests for a group that are
// neither finished nor in error.
func (r *cacheRequestRepository) CountActiveByGroup(ctx context.Context, groupID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM cache_requests
		WHERE group_id = ? AND status != ?
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, groupID, string(domain.RequestStatusError)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count group cache requests: %w", err)
	}
	return count, nil
}

// Delete removes a request.
func (r *cacheRequestRepository) Delete(ctx context.Context, id int64) error {
	return deleteRequest(ctx, r.db, "cache_requests", id)
}

func scanCacheRequest(row rowScanner) (*domain.FileCacheRequest, error) {
	req := &domain.FileCacheRequest{}
	var ref, expirationDate, status, createdAt string

	err := row.Scan(
		&req.ID,
		&req.Storage,
		&ref,
		&req.DestinationPath,
		&expirationDate,
		&req.GroupID,
		&status,
		&req.ErrorCause,
		&req.JobID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ref), &req.FileReference); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file reference: %w", err)
	}
	req.ExpirationDate, _ = time.Parse(time.RFC3339, expirationDate)
	req.Status = domain.FileRequestStatus(status)
	req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return req, nil
}
