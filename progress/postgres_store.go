package progress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
// The schema lives in migrations/000001_progress.up.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed progress store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// MarkCompleted inserts the record unless the action is already completed
func (s *PostgresStore) MarkCompleted(ctx context.Context, packID, actionID string, at time.Time) error {
	if packID == "" || actionID == "" {
		return ErrMissingKey
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (id, pack_id, action_id, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pack_id, action_id) DO NOTHING
	`, uuid.New(), packID, actionID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert progress: %w", err)
	}

	return nil
}

func (s *PostgresStore) IsCompleted(ctx context.Context, packID, actionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM progress WHERE pack_id = $1 AND action_id = $2)
	`, packID, actionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check progress: %w", err)
	}

	return exists, nil
}

func (s *PostgresStore) ListByPack(ctx context.Context, packID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pack_id, action_id, completed_at
		FROM progress
		WHERE pack_id = $1
		ORDER BY completed_at ASC, action_id ASC
	`, packID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.PackID, &r.ActionID, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		r.CompletedAt = r.CompletedAt.UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Reset(ctx context.Context, packID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE pack_id = $1`, packID); err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}

	return nil
}
