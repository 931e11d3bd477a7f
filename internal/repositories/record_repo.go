package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recordsync/recordsync/internal/models"
)

type PostgresRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRecordRepository(pool *pgxpool.Pool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

func (r *PostgresRecordRepository) Get(ctx context.Context, recordID string) (*models.Record, error) {
	query := `SELECT record_id, data, version, updated_by, updated_at
	          FROM records
	          WHERE record_id = $1`

	var record models.Record
	err := r.pool.QueryRow(ctx, query, recordID).Scan(
		&record.RecordID,
		&record.Data,
		&record.Version,
		&record.UpdatedBy,
		&record.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (r *PostgresRecordRepository) CurrentVersion(ctx context.Context, recordID string) (int64, error) {
	query := `SELECT version FROM records WHERE record_id = $1`

	var version int64
	err := r.pool.QueryRow(ctx, query, recordID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get record version: %w", err)
	}
	return version, nil
}

// Apply persists the record with optimistic locking. A new record must come
// in at version 1; an existing record only updates when the stored version is
// exactly record.Version-1. The version check lives in the WHERE clause, so
// two racing writers can never both succeed.
func (r *PostgresRecordRepository) Apply(ctx context.Context, record *models.Record) error {
	if record.Version == 1 {
		return r.create(ctx, record)
	}
	return r.update(ctx, record)
}

func (r *PostgresRecordRepository) create(ctx context.Context, record *models.Record) error {
	query := `INSERT INTO records (record_id, data, version, updated_by, updated_at)
	          VALUES ($1, $2, 1, $3, NOW())
	          ON CONFLICT (record_id) DO NOTHING
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		record.RecordID,
		record.Data,
		record.UpdatedBy,
	).Scan(&record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Row already exists: someone else created it first.
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

func (r *PostgresRecordRepository) update(ctx context.Context, record *models.Record) error {
	query := `UPDATE records
	          SET data = $2,
	              version = $3,
	              updated_by = $4,
	              updated_at = NOW()
	          WHERE record_id = $1 AND version = $3 - 1
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		record.RecordID,
		record.Data,
		record.Version,
		record.UpdatedBy,
	).Scan(&record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// No rows updated = version mismatch = conflict!
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}
