package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// storageLocationRepository implements repository.StorageLocationRepository for SQLite.
type storageLocationRepository struct {
	db *DB
}

// NewStorageLocationRepository creates a new SQLite storage location repository.
func NewStorageLocationRepository(db *DB) repository.StorageLocationRepository {
	return &storageLocationRepository{db: db}
}

const storageLocationColumns = `id, name, storage_type, backend_type, parameters, allocated_size_kb, created_at`

// Create persists a new storage location configuration.
func (r *storageLocationRepository) Create(ctx context.Context, conf *domain.StorageLocationConfiguration) error {
	params, err := marshalStringMap(conf.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	query := `
		INSERT INTO storage_locations (name, storage_type, backend_type, parameters, allocated_size_kb, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		conf.Name,
		string(conf.StorageType),
		conf.BackendType,
		params,
		conf.AllocatedSizeKB,
		conf.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrStorageLocationAlreadyExists, conf.Name)
		}
		return fmt.Errorf("failed to create storage location: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	conf.ID = id

	return nil
}

// GetByName retrieves a configuration by location name.
func (r *storageLocationRepository) GetByName(ctx context.Context, name string) (*domain.StorageLocationConfiguration, error) {
	query := `
		SELECT ` + storageLocationColumns + `
		FROM storage_locations
		WHERE name = ?
	`

	conf, err := scanStorageLocation(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrStorageLocationNotFound
		}
		return nil, fmt.Errorf("failed to get storage location: %w", err)
	}

	return conf, nil
}

// FindByNames retrieves all configurations whose name is in the set.
func (r *storageLocationRepository) FindByNames(ctx context.Context, names []string) ([]*domain.StorageLocationConfiguration, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + storageLocationColumns + `
		FROM storage_locations
		WHERE name IN (` + placeholders(len(names)) + `)
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query, toArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find storage locations: %w", err)
	}
	defer rows.Close()

	return scanStorageLocations(rows)
}

// List returns all configurations.
func (r *storageLocationRepository) List(ctx context.Context) ([]*domain.StorageLocationConfiguration, error) {
	query := `
		SELECT ` + storageLocationColumns + `
		FROM storage_locations
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage locations: %w", err)
	}
	defer rows.Close()

	return scanStorageLocations(rows)
}

// Update persists changes to an existing configuration.
func (r *storageLocationRepository) Update(ctx context.Context, conf *domain.StorageLocationConfiguration) error {
	params, err := marshalStringMap(conf.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	query := `
		UPDATE storage_locations
		SET storage_type = ?, backend_type = ?, parameters = ?, allocated_size_kb = ?
		WHERE name = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(conf.StorageType),
		conf.BackendType,
		params,
		conf.AllocatedSizeKB,
		conf.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update storage location: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrStorageLocationNotFound
	}

	return nil
}

// Delete removes a configuration by name.
func (r *storageLocationRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM storage_locations WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete storage location: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrStorageLocationNotFound
	}

	return nil
}

func scanStorageLocation(row rowScanner) (*domain.StorageLocationConfiguration, error) {
	conf := &domain.StorageLocationConfiguration{}
	var storageType, params, createdAt string

	err := row.Scan(
		&conf.ID,
		&conf.Name,
		&storageType,
		&conf.BackendType,
		&params,
		&conf.AllocatedSizeKB,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	conf.StorageType = domain.StorageType(storageType)
	conf.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if conf.Parameters, err = unmarshalStringMap(params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}

	return conf, nil
}

func scanStorageLocations(rows *sql.Rows) ([]*domain.StorageLocationConfiguration, error) {
	var confs []*domain.StorageLocationConfiguration
	for rows.Next() {
		conf, err := scanStorageLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage location: %w", err)
		}
		confs = append(confs, conf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate storage locations: %w", err)
	}
	return confs, nil
}
