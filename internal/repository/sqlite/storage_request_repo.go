package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// storageRequestRepository implements repository.StorageRequestRepository for SQLite.
type storageRequestRepository struct {
	db *DB
}

// NewStorageRequestRepository creates a new SQLite storage request repository.
func NewStorageRequestRepository(db *DB) repository.StorageRequestRepository {
	return &storageRequestRepository{db: db}
}

const storageRequestColumns = `id, checksum, algorithm, file_name, size, mime_type,
	origin_url, storage, sub_directory, owners, group_id, status, error_cause, job_id, created_at`

// Create persists a new storage request.
func (r *storageRequestRepository) Create(ctx context.Context, req *domain.FileStorageRequest) error {
	owners, err := marshalStrings(req.Owners)
	if err != nil {
		return fmt.Errorf("failed to marshal owners: %w", err)
	}

	query := `
		INSERT INTO storage_requests (checksum, algorithm, file_name, size, mime_type,
			origin_url, storage, sub_directory, owners, group_id, status, error_cause, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		req.MetaInfo.Checksum,
		req.MetaInfo.Algorithm,
		req.MetaInfo.FileName,
		req.MetaInfo.Size,
		req.MetaInfo.MimeType,
		req.OriginURL,
		req.Storage,
		req.SubDirectory,
		owners,
		req.GroupID,
		string(req.Status),
		req.ErrorCause,
		req.JobID,
		req.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage request: %w", err)
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
func (r *storageRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileStorageRequest, error) {
	query := `
		SELECT ` + storageRequestColumns + `
		FROM storage_requests
		WHERE storage = ? AND status = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, storage, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage requests: %w", err)
	}
	defer rows.Close()

	return scanStorageRequests(rows)
}

// Storages returns the distinct storage names having requests in the given status.
func (r *storageRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	return distinctStorages(ctx, r.db, "storage_requests", status)
}

// UpdateStatus moves a request to a new status.
func (r *storageRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	return updateRequestStatus(ctx, r.db, "storage_requests", id, status, jobID, errorCause)
}

// Delete removes a request.
func (r *storageRequestRepository) Delete(ctx context.Context, id int64) error {
	return deleteRequest(ctx, r.db, "storage_requests", id)
}

func scanStorageRequests(rows *sql.Rows) ([]*domain.FileStorageRequest, error) {
	var reqs []*domain.FileStorageRequest
	for rows.Next() {
		req := &domain.FileStorageRequest{}
		var owners, status, createdAt string

		err := rows.Scan(
			&req.ID,
			&req.MetaInfo.Checksum,
			&req.MetaInfo.Algorithm,
			&req.MetaInfo.FileName,
			&req.MetaInfo.Size,
			&req.MetaInfo.MimeType,
			&req.OriginURL,
			&req.Storage,
			&req.SubDirectory,
			&owners,
			&req.GroupID,
			&status,
			&req.ErrorCause,
			&req.JobID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage request: %w", err)
		}

		req.Status = domain.FileRequestStatus(status)
		req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if req.Owners, err = unmarshalStrings(owners); err != nil {
			return nil, fmt.Errorf("failed to unmarshal owners: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate storage requests: %w", err)
	}
	return reqs, nil
}

// distinctStorages lists storage names with requests in a status. Shared by
// the three request tables, which all carry (storage, status) columns.
func distinctStorages(ctx context.Context, db *DB, table string, status domain.FileRequestStatus) ([]string, error) {
	query := `SELECT DISTINCT storage FROM ` + table + ` WHERE status = ? ORDER BY storage`

	rows, err := db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s storages: %w", table, err)
	}
	defer rows.Close()

	var storages []string
	for rows.Next() {
		var storage string
		if err := rows.Scan(&storage); err != nil {
			return nil, fmt.Errorf("failed to scan storage name: %w", err)
		}
		storages = append(storages, storage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate storages: %w", err)
	}
	return storages, nil
}

func updateRequestStatus(ctx context.Context, db *DB, table string, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	query := `UPDATE ` + table + ` SET status = ?, job_id = ?, error_cause = ? WHERE id = ?`

	result, err := db.ExecContext(ctx, query, string(status), jobID, errorCause, id)
	if err != nil {
		return fmt.Errorf("failed to update %s status: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrRequestNotFound
	}

	return nil
}

func deleteRequest(ctx context.Context, db *DB, table string, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrRequestNotFound
	}

	return nil
}
