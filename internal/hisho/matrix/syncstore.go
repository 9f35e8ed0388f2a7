package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// syncKey names a row of matrix_sync_state.
type syncKey string

const (
	keyFilterID  syncKey = "filter_id"
	keyNextBatch syncKey = "next_batch"
)

var _ mautrix.SyncStore = (*DBSyncStore)(nil)

// DBSyncStore remembers the /sync position in the assistant database. After
// a restart the bot resumes from the saved next_batch token, so room messages
// it already answered (a "yes" included) are never handled twice.
type DBSyncStore struct {
	db *sql.DB
}

// NewDBSyncStore needs the store package migrations applied to db.
func NewDBSyncStore(db *sql.DB) *DBSyncStore {
	return &DBSyncStore{db: db}
}

func (s *DBSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.put(ctx, userID, keyFilterID, filterID)
}

func (s *DBSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyFilterID)
}

func (s *DBSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.put(ctx, userID, keyNextBatch, nextBatchToken)
}

// LoadNextBatch is empty on first start, which makes mautrix do an initial
// sync.
func (s *DBSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyNextBatch)
}

const upsertSyncState = `
	INSERT INTO matrix_sync_state (user_id, key, value) VALUES (?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`

const selectSyncState = `SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`

func (s *DBSyncStore) put(ctx context.Context, userID id.UserID, key syncKey, value string) error {
	if _, err := s.db.ExecContext(ctx, upsertSyncState, userID.String(), string(key), value); err != nil {
		return fmt.Errorf("matrix sync state: save %s for %s: %w", key, userID, err)
	}
	return nil
}

func (s *DBSyncStore) get(ctx context.Context, userID id.UserID, key syncKey) (value string, err error) {
	err = s.db.QueryRowContext(ctx, selectSyncState, userID.String(), string(key)).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("matrix sync state: load %s for %s: %w", key, userID, err)
	}
	return value, nil
}
