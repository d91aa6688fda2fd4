package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// fileReferenceRepository implements repository.FileReferenceRepository for SQLite.
type fileReferenceRepository struct {
	db *DB
}

// NewFileReferenceRepository creates a new SQLite file reference repository.
func NewFileReferenceRepository(db *DB) repository.FileReferenceRepository {
	return &fileReferenceRepository{db: db}
}

const fileReferenceColumns = `id, checksum, algorithm, file_name, size, mime_type,
	storage, url, pending_action_remaining, nearline_confirmed, owners, created_at`

// Create persists a new file reference.
func (r *fileReferenceRepository) Create(ctx context.Context, ref *domain.FileReference) error {
	query := `
		INSERT INTO file_references (checksum, algorithm, file_name, size, mime_type,
			storage, url, pending_action_remaining, nearline_confirmed, owners, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	owners, err := marshalStrings(ref.Owners)
	if err != nil {
		return fmt.Errorf("failed to marshal owners: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		ref.MetaInfo.Checksum,
		ref.MetaInfo.Algorithm,
		ref.MetaInfo.FileName,
		ref.MetaInfo.Size,
		ref.MetaInfo.MimeType,
		ref.Location.Storage,
		ref.Location.URL,
		boolToInt(ref.Location.PendingActionRemaining),
		boolToInt(ref.NearlineConfirmed),
		owners,
		ref.CreatedAt.Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s on %s", domain.ErrFileReferenceAlreadyExists, ref.MetaInfo.Checksum, ref.Location.Storage)
		}
		return fmt.Errorf("failed to create file reference: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	ref.ID = id

	return nil
}

// GetByChecksum retrieves every reference for a checksum.
func (r *fileReferenceRepository) GetByChecksum(ctx context.Context, checksum string) ([]*domain.FileReference, error) {
	query := `
		SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE checksum = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to query file references: %w", err)
	}
	defer rows.Close()

	return scanFileReferences(rows)
}

// GetByStorageAndChecksum retrieves the reference for a checksum on one storage.
func (r *fileReferenceRepository) GetByStorageAndChecksum(ctx context.Context, storage, checksum string) (*domain.FileReference, error) {
	query := `
		SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE storage = ? AND checksum = ?
	`

	ref, err := scanFileReference(r.db.QueryRowContext(ctx, query, storage, checksum))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileReferenceNotFound
		}
		return nil, fmt.Errorf("failed to get file reference: %w", err)
	}

	return ref, nil
}

// Search retrieves all references whose checksum is in the given set.
func (r *fileReferenceRepository) Search(ctx context.Context, checksums []string) ([]*domain.FileReference, error) {
	if len(checksums) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE checksum IN (` + placeholders(len(checksums)) + `)
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, toArgs(checksums)...)
	if err != nil {
		return nil, fmt.Errorf("failed to search file references: %w", err)
	}
	defer rows.Close()

	return scanFileReferences(rows)
}

// Update persists changes to an existing reference.
func (r *fileReferenceRepository) Update(ctx context.Context, ref *domain.FileReference) error {
	query := `
		UPDATE file_references
		SET file_name = ?, size = ?, mime_type = ?, storage = ?, url = ?,
			pending_action_remaining = ?, nearline_confirmed = ?, owners = ?
		WHERE id = ?
	`

	owners, err := marshalStrings(ref.Owners)
	if err != nil {
		return fmt.Errorf("failed to marshal owners: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		ref.MetaInfo.FileName,
		ref.MetaInfo.Size,
		ref.MetaInfo.MimeType,
		ref.Location.Storage,
		ref.Location.URL,
		boolToInt(ref.Location.PendingActionRemaining),
		boolToInt(ref.NearlineConfirmed),
		owners,
		ref.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file reference: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// SetNearlineConfirmed flips the nearline confirmation flag of one reference.
func (r *fileReferenceRepository) SetNearlineConfirmed(ctx context.Context, storage, checksum string, confirmed bool) error {
	query := `
		UPDATE file_references
		SET nearline_confirmed = ?
		WHERE storage = ? AND checksum = ?
	`

	result, err := r.db.ExecContext(ctx, query, boolToInt(confirmed), storage, checksum)
	if err != nil {
		return fmt.Errorf("failed to update nearline confirmation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// SetPendingActionRemaining updates the pending-action flag of the reference
// stored at the given URL.
func (r *fileReferenceRepository) SetPendingActionRemaining(ctx context.Context, storedURL string, remaining bool) error {
	query := `
		UPDATE file_references
		SET pending_action_remaining = ?
		WHERE url = ?
	`

	result, err := r.db.ExecContext(ctx, query, boolToInt(remaining), storedURL)
	if err != nil {
		return fmt.Errorf("failed to update pending action flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// ClearPendingActionsByStorage clears the pending-action flag for every
// reference on a storage location.
func (r *fileReferenceRepository) ClearPendingActionsByStorage(ctx context.Context, storage string) (int64, error) {
	query := `
		UPDATE file_references
		SET pending_action_remaining = 0
		WHERE storage = ? AND pending_action_remaining = 1
	`

	result, err := r.db.ExecContext(ctx, query, storage)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending action flags: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CountPendingActions returns the number of references on a storage location
// still carrying the pending-action flag.
func (r *fileReferenceRepository) CountPendingActions(ctx context.Context, storage string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM file_references
		WHERE storage = ? AND pending_action_remaining = 1
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, storage).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}

	return count, nil
}

// Delete removes a reference.
func (r *fileReferenceRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM file_references WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file reference: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileReference(row rowScanner) (*domain.FileReference, error) {
	ref := &domain.FileReference{}
	var pendingAction, nearlineConfirmed int
	var owners, createdAt string

	err := row.Scan(
		&ref.ID,
		&ref.MetaInfo.Checksum,
		&ref.MetaInfo.Algorithm,
		&ref.MetaInfo.FileName,
		&ref.MetaInfo.Size,
		&ref.MetaInfo.MimeType,
		&ref.Location.Storage,
		&ref.Location.URL,
		&pendingAction,
		&nearlineConfirmed,
		&owners,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	ref.Location.PendingActionRemaining = pendingAction != 0
	ref.NearlineConfirmed = nearlineConfirmed != 0
	ref.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if ref.Owners, err = unmarshalStrings(owners); err != nil {
		return nil, fmt.Errorf("failed to unmarshal owners: %w", err)
	}

	return ref, nil
}

func scanFileReferences(rows *sql.Rows) ([]*domain.FileReference, error) {
	var refs []*domain.FileReference
	for rows.Next() {
		ref, err := scanFileReference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file reference: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file references: %w", err)
	}
	return refs, nil
}
