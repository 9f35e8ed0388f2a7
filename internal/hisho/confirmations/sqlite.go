package confirmations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists records in the confirmations table of the shared
// Hisho database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store backed by db. The schema is owned by the
// store package migrations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const selectColumns = `id, user_id, kind, params, prompt_text, status, created_at, resolved_at`

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	prepare(rec, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmations (id, user_id, kind, params, prompt_text, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, rec.ID, rec.UserID, rec.Kind, string(rec.Params), rec.PromptText, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
		}
		return fmt.Errorf("failed to create confirmation: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM confirmations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return rec, nil
}

// Transition implements Store. The UPDATE only matches a pending row, so
// of two concurrent callers exactly one sees a changed row.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to Status) (*Record, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, to)
	}

	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE confirmations
		SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(to), now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to transition confirmation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		// Either the id is unknown or the record is already resolved.
		existing, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, existing.Status)
	}

	return s.Get(ctx, id)
}

// LatestPending implements Store.
func (s *SQLiteStore) LatestPending(ctx context.Context, userID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM confirmations
		WHERE user_id = ? AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending confirmation for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending confirmation: %w", err)
	}
	return rec, nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM confirmations WHERE created_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge confirmations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec := &Record{}
	var params, status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Kind, &params, &rec.PromptText, &status, &rec.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	rec.Params = []byte(params)
	rec.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
