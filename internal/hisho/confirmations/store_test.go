package confirmations_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/store"
)

type storeFactory func(t *testing.T) confirmations.Store

func newSQLite(t *testing.T) confirmations.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return confirmations.NewSQLiteStore(s.DB())
}

func newMemory(*testing.T) confirmations.Store {
	return confirmations.NewMemoryStore()
}

// newRedis runs against HISHO_TEST_REDIS_ADDR and skips when it is unset.
func newRedis(t *testing.T) confirmations.Store {
	t.Helper()
	addr := os.Getenv("HISHO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HISHO_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	prefix := "hisho-test:" + confirmations.NewID() + ":"
	return confirmations.NewRedisStore(client, confirmations.RedisConfig{KeyPrefix: prefix, TTL: time.Minute})
}

var backends = map[string]storeFactory{
	"memory": newMemory,
	"sqlite": newSQLite,
	"redis":  newRedis,
}

func newRecord(userID, kind string) *confirmations.Record {
	return &confirmations.Record{
		ID:         confirmations.NewID(),
		UserID:     userID,
		Kind:       kind,
		Params:     json.RawMessage(`{"title":"Buy milk"}`),
		PromptText: "Add task 'Buy milk'?",
	}
}

func TestStores(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, factory(t)) })
			t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, factory(t)) })
			t.Run("Transition", func(t *testing.T) { testTransition(t, factory(t)) })
			t.Run("TransitionTerminalIsFinal", func(t *testing.T) { testTransitionTerminalIsFinal(t, factory(t)) })
			t.Run("TransitionToPendingRejected", func(t *testing.T) { testTransitionToPending(t, factory(t)) })
			t.Run("TransitionNotFound", func(t *testing.T) { testTransitionNotFound(t, factory(t)) })
			t.Run("ConcurrentTransitionSingleWinner", func(t *testing.T) { testConcurrentTransition(t, factory(t)) })
			t.Run("LatestPending", func(t *testing.T) { testLatestPending(t, factory(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, confirmations.StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "add_task", got.Kind)
	assert.JSONEq(t, `{"title":"Buy milk"}`, string(got.Params))
	assert.Equal(t, "Add task 'Buy milk'?", got.PromptText)
	assert.Equal(t, confirmations.StatusPending, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
}

func testCreateConflict(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))

	dup := newRecord("bob", "create_note")
	dup.ID = rec.ID
	err := s.Create(ctx, dup)
	assert.ErrorIs(t, err, confirmations.ErrConflict)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
}

func testGetNotFound(t *testing.T, s confirmations.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, confirmations.ErrNotFound)
}

func testTransition(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	for _, to := range []confirmations.Status{confirmations.StatusConfirmed, confirmations.StatusRejected} {
		rec := newRecord("alice", "add_task")
		require.NoError(t, s.Create(ctx, rec))

		got, err := s.Transition(ctx, rec.ID, to)
		require.NoError(t, err)
		assert.Equal(t, to, got.Status)
		require.NotNil(t, got.ResolvedAt)

		again, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, to, again.Status)
		assert.Equal(t, rec.Kind, again.Kind)
		assert.JSONEq(t, string(rec.Params), string(again.Params))
	}
}

func testTransitionTerminalIsFinal(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Transition(ctx, rec.ID, confirmations.StatusRejected)
	require.NoError(t, err)

	_, err = s.Transition(ctx, rec.ID, confirmations.StatusConfirmed)
	assert.ErrorIs(t, err, confirmations.ErrInvalidTransition)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, confirmations.StatusRejected, got.Status)
}

func testTransitionToPending(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))

	_, err := s.Transition(ctx, rec.ID, confirmations.StatusPending)
	assert.ErrorIs(t, err, confirmations.ErrInvalidTransition)
}

func testTransitionNotFound(t *testing.T, s confirmations.Store) {
	_, err := s.Transition(context.Background(), "missing", confirmations.StatusConfirmed)
	assert.ErrorIs(t, err, confirmations.ErrNotFound)
}

func testConcurrentTransition(t *testing.T, s confirmations.Store) {
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := confirmations.StatusConfirmed
			if i%2 == 1 {
				to = confirmations.StatusRejected
			}
			_, err := s.Transition(ctx, rec.ID, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, confirmations.ErrInvalidTransition):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, losses)
}

func testLatestPending(t *testing.T, s confirmations.Store) {
	ctx := context.Background()

	_, err := s.LatestPending(ctx, "alice")
	assert.ErrorIs(t, err, confirmations.ErrNotFound)

	older := newRecord("alice", "add_task")
	older.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Create(ctx, older))
	newer := newRecord("alice", "create_note")
	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.Create(ctx, newRecord("bob", "add_task")))

	got, err := s.LatestPending(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = s.Transition(ctx, newer.ID, confirmations.StatusConfirmed)
	require.NoError(t, err)
	got, err = s.LatestPending(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
}

func TestPurge(t *testing.T) {
	for name, factory := range map[string]storeFactory{"memory": newMemory, "sqlite": newSQLite} {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			old := newRecord("alice", "add_task")
			old.CreatedAt = time.Now().Add(-48 * time.Hour)
			require.NoError(t, s.Create(ctx, old))
			fresh := newRecord("alice", "add_task")
			require.NoError(t, s.Create(ctx, fresh))

			n, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			_, err = s.Get(ctx, old.ID)
			assert.ErrorIs(t, err, confirmations.ErrNotFound)
			_, err = s.Get(ctx, fresh.ID)
			assert.NoError(t, err)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := confirmations.NewMemoryStore()
	ctx := context.Background()
	rec := newRecord("alice", "add_task")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.Status = confirmations.StatusConfirmed
	got.Params[0] = 'X'

	again, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, confirmations.StatusPending, again.Status)
	assert.JSONEq(t, `{"title":"Buy milk"}`, string(again.Params))
}

func TestCreateValidation(t *testing.T) {
	s := confirmations.NewMemoryStore()
	ctx := context.Background()
	assert.Error(t, s.Create(ctx, nil))
	assert.Error(t, s.Create(ctx, &confirmations.Record{Kind: "add_task"}))
	assert.Error(t, s.Create(ctx, &confirmations.Record{ID: "x"}))
}

func TestSQLiteStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := confirmations.NewSQLiteStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO confirmations")).
		WillReturnError(errors.New("disk I/O error"))
	err = s.Create(ctx, newRecord("alice", "add_task"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, confirmations.ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO confirmations")).
		WillReturnError(errors.New("UNIQUE constraint failed: confirmations.id"))
	err = s.Create(ctx, newRecord("alice", "add_task"))
	assert.ErrorIs(t, err, confirmations.ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE confirmations")).
		WillReturnError(errors.New("database is locked"))
	_, err = s.Transition(ctx, "abc", confirmations.StatusConfirmed)
	require.Error(t, err)
	assert.NotErrorIs(t, err, confirmations.ErrInvalidTransition)

	// Zero rows updated and no row found: not found, not invalid.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE confirmations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM confirmations WHERE id = ?")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.Transition(ctx, "abc", confirmations.StatusConfirmed)
	assert.ErrorIs(t, err, confirmations.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM confirmations")).
		WillReturnError(errors.New("disk full"))
	_, err = s.Purge(ctx, time.Now())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
