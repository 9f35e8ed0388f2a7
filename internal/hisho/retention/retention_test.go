package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/limits"
	"github.com/bdobrica/Hisho/internal/hisho/store"
	"github.com/bdobrica/Hisho/internal/hisho/voice"
)

type failingPurger struct{}

func (failingPurger) Purge(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

type recordingHistory struct{ cutoff time.Time }

func (r *recordingHistory) Cleanup(_ context.Context, cutoff time.Time) (int64, int64, error) {
	r.cutoff = cutoff
	return 3, 2, nil
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.cfg.Schedule)
	assert.Equal(t, DefaultDays, s.cfg.Days)
	assert.Equal(t, DefaultCacheDays, s.cfg.CacheDays)

	_, err = New(Config{Schedule: "every day"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestRunOnce_PurgesOldData(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	confs := confirmations.NewSQLiteStore(st.DB())
	old := &confirmations.Record{
		ID:         confirmations.NewID(),
		UserID:     "u1",
		Kind:       "add_task",
		PromptText: "old",
		CreatedAt:  time.Now().AddDate(0, 0, -45),
	}
	fresh := &confirmations.Record{
		ID:         confirmations.NewID(),
		UserID:     "u1",
		Kind:       "add_task",
		PromptText: "fresh",
	}
	require.NoError(t, confs.Create(ctx, old))
	require.NoError(t, confs.Create(ctx, fresh))

	dir := t.TempDir()
	cache := voice.NewCache(dir, "http://h")
	stale := cache.Name("stale")
	require.NoError(t, cache.Put(stale, strings.NewReader("a")))
	past := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, stale), past, past))
	require.NoError(t, cache.Put(cache.Name("new"), strings.NewReader("b")))

	s, err := New(Config{Days: 30, CacheDays: 7}, confs, st, cache)
	require.NoError(t, err)

	rep, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Confirmations)
	assert.Equal(t, 1, rep.AudioFiles)

	_, err = confs.Get(ctx, old.ID)
	assert.ErrorIs(t, err, confirmations.ErrNotFound)
	_, err = confs.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.False(t, cache.Exists(stale))
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	h := &recordingHistory{}
	s, err := New(Config{Days: 10}, failingPurger{}, h, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rep, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge confirmations")
	assert.Equal(t, int64(3), rep.Messages)
	assert.Equal(t, int64(2), rep.Usage)
	assert.Equal(t, now.AddDate(0, 0, -10), h.cutoff)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunOnce_PrunesIdleLimiters(t *testing.T) {
	rl := limits.NewRateLimiter(600, 1)
	tb := limits.NewTokenBudget(100)
	for _, u := range []string{"u1", "u2", "u3"} {
		rl.Remaining(u)
	}
	require.Equal(t, 3, rl.Len())

	s, err := New(Config{}, nil, nil, nil, WithPruners(rl, tb))
	require.NoError(t, err)
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pruned)
	assert.Zero(t, rl.Len())
}
