package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// cacheFileRepository implements repository.CacheFileRepository for SQLite.
type cacheFileRepository struct {
	db *DB
}

// NewCacheFileRepository creates a new SQLite cache file repository.
func NewCacheFileRepository(db *DB) repository.CacheFileRepository {
	return &cacheFileRepository{db: db}
}

const cacheFileColumns = `id, checksum, type, location, size, file_name, mime_type,
	group_ids, expiration_date, created_at`

// Save creates or updates a ledger entry.
func (r *cacheFileRepository) Save(ctx context.Context, file *domain.CacheFile) error {
	groups, err := marshalStrings(file.Groups)
	if err != nil {
		return fmt.Errorf("failed to marshal groups: %w", err)
	}

	query := `
		INSERT INTO cache_files (checksum, type, location, size, file_name, mime_type,
			group_ids, expiration_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (checksum) DO UPDATE SET
			type = excluded.type,
			location = excluded.location,
			size = excluded.size,
			file_name = excluded.file_name,
			mime_type = excluded.mime_type,
			group_ids = excluded.group_ids,
			expiration_date = excluded.expiration_date
	`

	result, err := r.db.ExecContext(ctx, query,
		file.Checksum,
		string(file.Type),
		file.Location,
		file.Size,
		file.FileName,
		file.MimeType,
		groups,
		file.ExpirationDate.UTC().Format(time.RFC3339),
		file.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save cache file: %w", err)
	}

	if file.ID == 0 {
		if id, err := result.LastInsertId(); err == nil {
			file.ID = id
		}
	}

	return nil
}

// GetByChecksum retrieves the entry for a checksum.
func (r *cacheFileRepository) GetByChecksum(ctx context.Context, checksum string) (*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE checksum = ?
	`

	file, err := scanCacheFile(r.db.QueryRowContext(ctx, query, checksum))
	if err != nil {
		if isNoRows(err) {
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
		WHERE checksum IN (` + placeholders(len(checksums)) + `)
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, toArgs(checksums)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find cache files: %w", err)
	}
	defer rows.Close()

	return scanCacheFiles(rows)
}

// FindExpired returns up to limit entries expired at the given instant.
func (r *cacheFileRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE expiration_date < ?
		ORDER BY expiration_date
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired cache files: %w", err)
	}
	defer rows.Close()

	return scanCacheFiles(rows)
}

// List returns up to limit entries ordered by id, starting after afterID.
func (r *cacheFileRepository) List(ctx context.Context, afterID int64, limit int) ([]*domain.CacheFile, error) {
	query := `
		SELECT ` + cacheFileColumns + `
		FROM cache_files
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache files: %w", err)
	}
	defer rows.Close()

	return scanCacheFiles(rows)
}

// Delete removes an entry by id.
func (r *cacheFileRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cache_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrCacheFileNotFound
	}

	return nil
}

// DeleteByChecksum removes the entry for a checksum if present.
func (r *cacheFileRepository) DeleteByChecksum(ctx context.Context, checksum string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_files WHERE checksum = ?`, checksum); err != nil {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// TotalSize returns the summed size in bytes of all internal entries.
func (r *cacheFileRepository) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_files WHERE type = ?`,
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
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_files`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache files: %w", err)
	}
	return count, nil
}

func scanCacheFile(row rowScanner) (*domain.CacheFile, error) {
	file := &domain.CacheFile{}
	var fileType, groups, expirationDate, createdAt string

	err := row.Scan(
		&file.ID,
		&file.Checksum,
		&fileType,
		&file.Location,
		&file.Size,
		&file.FileName,
		&file.MimeType,
		&groups,
		&expirationDate,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	file.Type = domain.CacheFileType(fileType)
	file.ExpirationDate, _ = time.Parse(time.RFC3339, expirationDate)
	file.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if file.Groups, err = unmarshalStrings(groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal groups: %w", err)
	}

	return file, nil
}

func scanCacheFiles(rows *sql.Rows) ([]*domain.CacheFile, error) {
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
