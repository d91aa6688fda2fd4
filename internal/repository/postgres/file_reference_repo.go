package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// fileReferenceRepository implements repository.FileReferenceRepository.
type fileReferenceRepository struct {
	db *DB
}

// NewFileReferenceRepository creates a new PostgreSQL file reference repository.
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		ref.MetaInfo.Checksum,
		ref.MetaInfo.Algorithm,
		ref.MetaInfo.FileName,
		ref.MetaInfo.Size,
		ref.MetaInfo.MimeType,
		ref.Location.Storage,
		ref.Location.URL,
		ref.Location.PendingActionRemaining,
		ref.NearlineConfirmed,
		ref.Owners,
		ref.CreatedAt,
	).Scan(&ref.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s on %s", domain.ErrFileReferenceAlreadyExists, ref.MetaInfo.Checksum, ref.Location.Storage)
		}
		return fmt.Errorf("failed to create file reference: %w", err)
	}

	return nil
}

// GetByChecksum retrieves every reference for a checksum.
func (r *fileReferenceRepository) GetByChecksum(ctx context.Context, checksum string) ([]*domain.FileReference, error) {
	query := `
		SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE checksum = $1
		ORDER BY id
	`

	rows, err := r.db.Pool.Query(ctx, query, checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to query file references: %w", err)
	}
	defer rows.Close()

	return collectFileReferences(rows)
}

// GetByStorageAndChecksum retrieves the reference for a checksum on one storage.
func (r *fileReferenceRepository) GetByStorageAndChecksum(ctx context.Context, storage, checksum string) (*domain.FileReference, error) {
	query := `
		SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE storage = $1 AND checksum = $2
	`

	ref, err := scanFileReference(r.db.Pool.QueryRow(ctx, query, storage, checksum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE checksum = ANY($1)
		ORDER BY id
	`

	rows, err := r.db.Pool.Query(ctx, query, checksums)
	if err != nil {
		return nil, fmt.Errorf("failed to search file references: %w", err)
	}
	defer rows.Close()

	return collectFileReferences(rows)
}

// Update persists changes to an existing reference.
func (r *fileReferenceRepository) Update(ctx context.Context, ref *domain.FileReference) error {
	query := `
		UPDATE file_references
		SET file_name = $1, size = $2, mime_type = $3, storage = $4, url = $5,
			pending_action_remaining = $6, nearline_confirmed = $7, owners = $8
		WHERE id = $9
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		ref.MetaInfo.FileName,
		ref.MetaInfo.Size,
		ref.MetaInfo.MimeType,
		ref.Location.Storage,
		ref.Location.URL,
		ref.Location.PendingActionRemaining,
		ref.NearlineConfirmed,
		ref.Owners,
		ref.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// SetNearlineConfirmed flips the nearline confirmation flag of one reference.
func (r *fileReferenceRepository) SetNearlineConfirmed(ctx context.Context, storage, checksum string, confirmed bool) error {
	query := `
		UPDATE file_references
		SET nearline_confirmed = $1
		WHERE storage = $2 AND checksum = $3
	`

	tag, err := r.db.Pool.Exec(ctx, query, confirmed, storage, checksum)
	if err != nil {
		return fmt.Errorf("failed to update nearline confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// SetPendingActionRemaining updates the pending-action flag of the reference
// stored at the given URL.
func (r *fileReferenceRepository) SetPendingActionRemaining(ctx context.Context, storedURL string, remaining bool) error {
	query := `
		UPDATE file_references
		SET pending_action_remaining = $1
		WHERE url = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, remaining, storedURL)
	if err != nil {
		return fmt.Errorf("failed to update pending action flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

// ClearPendingActionsByStorage clears the pending-action flag for every
// reference on a storage location.
func (r *fileReferenceRepository) ClearPendingActionsByStorage(ctx context.Context, storage string) (int64, error) {
	query := `
		UPDATE file_references
		SET pending_action_remaining = false
		WHERE storage = $1 AND pending_action_remaining = true
	`

	tag, err := r.db.Pool.Exec(ctx, query, storage)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending action flags: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CountPendingActions returns the number of references on a storage location
// still carrying the pending-action flag.
func (r *fileReferenceRepository) CountPendingActions(ctx context.Context, storage string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM file_references
		WHERE storage = $1 AND pending_action_remaining = true
	`

	var count int64
	if err := r.db.Pool.QueryRow(ctx, query, storage).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}

	return count, nil
}

// Delete removes a reference.
func (r *fileReferenceRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM file_references WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileReferenceNotFound
	}

	return nil
}

func scanFileReference(row pgx.Row) (*domain.FileReference, error) {
	ref := &domain.FileReference{}
	err := row.Scan(
		&ref.ID,
		&ref.MetaInfo.Checksum,
		&ref.MetaInfo.Algorithm,
		&ref.MetaInfo.FileName,
		&ref.MetaInfo.Size,
		&ref.MetaInfo.MimeType,
		&ref.Location.Storage,
		&ref.Location.URL,
		&ref.Location.PendingActionRemaining,
		&ref.NearlineConfirmed,
		&ref.Owners,
		&ref.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func collectFileReferences(rows pgx.Rows) ([]*domain.FileReference, error) {
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
