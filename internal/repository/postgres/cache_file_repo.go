package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// cacheFileRepository implements repository.CacheFileRepository.
type cacheFileRepository struct {
	db *DB
}

// NewCacheFileRepository creates a new PostgreSQL cache file repository.
func NewCacheFileRepository(db *DB) repository.CacheFileRepository {
	return &cacheFileRepository{db: db}
}

const cacheFileColumns = `id, checksum, type, location, size, file_name, mime_type,
	group_ids, expiration_date, created_at`

// Save creates or updates a ledger entry.
func (r *cacheFileRepository) Save(ctx context.Context, file *domain.CacheFile) error {
	query := `
		INSERT INTO cache_files (checksum, type, location, size, file_name, mime_type,
			group_ids, expiration_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (checksum) DO UPDATE SET
			type = EXCLUDED.type,
			location = EXCLUDED.location,
			size = EXCLUDED.size,
			file_name = EXCLUDED.file_name,
			mime_type = EXCLUDED.mime_type,
			group_ids = EXCLUDED.group_ids,
			expiration_date = EXCLUDED.expiration_date
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		file.Checksum,
		string(file.Type),
		file.Location,
		file.Size,
		file.FileName,
		file.MimeType,
		file.Groups,
		file.ExpirationDate,
		file.CreatedAt,
	).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("failed to save cache file: %w", err)
	}

	return nil
}

// GetByChecksum retrieves the entry for a checksum.
func (r *cacheFileRepository) GetByChecksum(ctx context.Context, checksum string) (*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE checksum = $1
	`

	file, err := scanCacheFile(r.db.Pool.QueryRow(ctx, query, checksum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCacheFileNotFound
		}
		return nil, fmt.Errorf("failed to get cache file: %w", err)
	}

	return file, nil
}

// FindByChecksums retrieves all entries whose checksum is in the set.
func (r *cacheFileRepository) FindByChecksums(ctx context.Context, checksums []string) ([]*domain.CacheFile, error) {
	if len(checksums) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE checksum = ANY($1)
		ORDER BY id
	`

	rows, err := r.db.Pool.Query(ctx, query, checksums)
	if err != nil {
		return nil, fmt.Errorf("failed to find cache files: %w", err)
	}
	defer rows.Close()

	return collectCacheFiles(rows)
}

// FindExpired returns up to limit entries expired at the given instant.
func (r *cacheFileRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE expiration_date < $1
		ORDER BY expiration_date
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired cache files: %w", err)
	}
	defer rows.Close()

	return collectCacheFiles(rows)
}

// List returns up to limit entries ordered by id, starting after afterID.
func (r *cacheFileRepository) List(ctx context.Context, afterID int64, limit int) ([]*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}
	defer rows.Close()

	return collectCacheFiles(rows)
}

// Delete removes an entry by id.
func (r *cacheFileRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM cache_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCacheFileNotFound
	}

	return nil
}

// DeleteByChecksum removes the entry for a checksum if present.
func (r *cacheFileRepository) DeleteByChecksum(ctx context.Context, checksum string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM cache_files WHERE checksum = $1`, checksum); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// TotalSize returns the summed size in bytes of all internal entries.
func (r *cacheFileRepository) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_files WHERE type = $1`,
		string(domain.CacheFileInternal),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cache size: %w", err)
	}
	return total, nil
}

// Count returns the number of ledger entries.
func (r *cacheFileRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM cache_files`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache files: %w", err)
	}
	return count, nil
}

func scanCacheFile(row pgx.Row) (*domain.CacheFile, error) {
	file := &domain.CacheFile{}
	var fileType string
	err := row.Scan(
		&file.ID,
		&file.Checksum,
		&fileType,
		&file.Location,
		&file.Size,
		&file.FileName,
		&file.MimeType,
		&file.Groups,
		&file.ExpirationDate,
		&file.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	file.Type = domain.CacheFileType(fileType)
	return file, nil
}

func collectCacheFiles(rows pgx.Rows) ([]*domain.CacheFile, error) {
	var files []*domain.CacheFile
	for rows.Next() {
		file, err := scanCacheFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache files: %w", err)
	}
	return files, nil
}
