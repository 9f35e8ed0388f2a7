package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/store"
)

// recordingExecutor counts calls and remembers the last one.
type recordingExecutor struct {
	mu         sync.Mutex
	calls      int
	lastKind   string
	lastParams action.Params
	result     action.Result
	err        error
}

func (e *recordingExecutor) Execute(_ context.Context, kind string, params action.Params) (action.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastKind = kind
	e.lastParams = params
	if e.err != nil {
		return action.Result{}, e.err
	}
	if e.result.Message == "" {
		return action.Succeeded("done: " + kind), nil
	}
	return e.result, nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// countingStore counts write calls on top of a real store.
type countingStore struct {
	confirmations.Store
	creates     atomic.Int32
	transitions atomic.Int32
}

func (s *countingStore) Create(ctx context.Context, rec *confirmations.Record) error {
	s.creates.Add(1)
	return s.Store.Create(ctx, rec)
}

func (s *countingStore) Transition(ctx context.Context, id string, to confirmations.Status) (*confirmations.Record, error) {
	s.transitions.Add(1)
	return s.Store.Transition(ctx, id, to)
}

func (s *countingStore) writes() int32 { return s.creates.Load() + s.transitions.Load() }

type recordingObserver struct {
	mu         sync.Mutex
	dispatched []string
	resolved   []confirmations.Status
	executed   int
}

func (o *recordingObserver) IntentDispatched(kind string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched = append(o.dispatched, kind+":"+string(status))
}

func (o *recordingObserver) ConfirmationResolved(status confirmations.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, status)
}

func (o *recordingObserver) ActionExecuted(string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executed++
}

func newFixture(t *testing.T, opts ...Option) (*Dispatcher, *countingStore, *recordingExecutor) {
	t.Helper()
	st := &countingStore{Store: confirmations.NewMemoryStore()}
	exec := &recordingExecutor{}
	return New(st, exec, opts...), st, exec
}

func params(t *testing.T, raw string) action.Params {
	t.Helper()
	p, err := action.ParseParams([]byte(raw))
	require.NoError(t, err)
	return p
}

var allKinds = []string{
	action.KindAddCalendarEvent, action.KindGetCalendarEvents, action.KindAddTask,
	action.KindAddShoppingItem, action.KindGetTasks, action.KindCreateNote, action.KindSearchNotes,
}

func TestHandleIntent_GatedKindsNeverExecute(t *testing.T) {
	for _, kind := range allKinds {
		t.Run(kind, func(t *testing.T) {
			d, st, exec := newFixture(t)
			res, err := d.HandleIntent(context.Background(), action.Intent{Kind: kind, Params: action.Params{}}, "alice")
			require.NoError(t, err)

			if DefaultPolicy().RequiresConfirmation(kind) {
				assert.Equal(t, StatusAwaitingConfirmation, res.Status)
				assert.NotEmpty(t, res.ConfirmationID)
				assert.Equal(t, 0, exec.count())
				assert.EqualValues(t, 1, st.creates.Load())
			} else {
				assert.Equal(t, StatusExecuted, res.Status)
				assert.Equal(t, 1, exec.count())
				assert.EqualValues(t, 0, st.writes())
			}
		})
	}
}

func TestHandleIntent_ExecutesIffNotGated_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	kinds := make([]any, 0, len(allKinds)+2)
	for _, k := range allKinds {
		kinds = append(kinds, k)
	}
	kinds = append(kinds, "launch_rocket", "")

	properties.Property("executor is called exactly when no confirmation is required", prop.ForAll(
		func(kind, title string) bool {
			st := &countingStore{Store: confirmations.NewMemoryStore()}
			exec := &recordingExecutor{}
			d := New(st, exec)

			res, err := d.HandleIntent(context.Background(), action.Intent{
				Kind:   kind,
				Params: action.Params{}.Set("title", title),
			}, "user")
			if err != nil {
				return false
			}
			if d.RequiresConfirmation(kind) {
				return exec.count() == 0 && st.creates.Load() == 1 && res.Status == StatusAwaitingConfirmation
			}
			return exec.count() == 1 && st.writes() == 0 && res.Status == StatusExecuted
		},
		gen.OneConstOf(kinds...),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestAddTaskScenario(t *testing.T) {
	obs := &recordingObserver{}
	d, st, exec := newFixture(t, WithObserver(obs))
	ctx := context.Background()

	res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddTask, Params: params(t, `{"title":"Buy milk"}`)}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, res.Status)
	assert.Contains(t, res.Text, "Buy milk")
	assert.Equal(t, 0, exec.count())

	// The stored record round-trips kind and params unchanged.
	rec, err := st.Get(ctx, res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, action.KindAddTask, rec.Kind)
	assert.JSONEq(t, `{"title":"Buy milk"}`, string(rec.Params))
	assert.Equal(t, res.Text, rec.PromptText)
	assert.Equal(t, "alice", rec.UserID)

	out, err := d.Resolve(ctx, res.ConfirmationID, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.True(t, out.Success)
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, action.KindAddTask, exec.lastKind)
	assert.Equal(t, params(t, `{"title":"Buy milk"}`), exec.lastParams)

	rec, err = st.Get(ctx, res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, confirmations.StatusConfirmed, rec.Status)
	assert.NotNil(t, rec.ResolvedAt)

	assert.Equal(t, []string{"add_task:awaiting_confirmation"}, obs.dispatched)
	assert.Equal(t, []confirmations.Status{confirmations.StatusConfirmed}, obs.resolved)
	assert.Equal(t, 1, obs.executed)
}

func TestGetTasksScenario(t *testing.T) {
	d, st, exec := newFixture(t)

	res, err := d.HandleIntent(context.Background(), action.Intent{Kind: action.KindGetTasks, Params: action.Params{}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, "done: get_tasks", res.Text)
	assert.Empty(t, res.ConfirmationID)
	assert.Equal(t, 1, exec.count())
	assert.EqualValues(t, 0, st.writes())
}

func TestResolve_RejectNeverExecutes(t *testing.T) {
	d, st, exec := newFixture(t)
	ctx := context.Background()

	res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindCreateNote, Params: params(t, `{"title":"Ideas","content":"..."}`)}, "alice")
	require.NoError(t, err)

	out, err := d.Resolve(ctx, res.ConfirmationID, false, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, TextCancelled, out.Text)
	assert.Equal(t, 0, exec.count())

	rec, err := st.Get(ctx, res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, confirmations.StatusRejected, rec.Status)
}

func TestResolve_UnknownIDWritesNothing(t *testing.T) {
	d, st, exec := newFixture(t)

	_, err := d.Resolve(context.Background(), "does-not-exist", true, "alice")
	assert.ErrorIs(t, err, ErrUnknownConfirmation)
	assert.EqualValues(t, 0, st.writes())
	assert.Equal(t, 0, exec.count())
}

func TestResolve_AlreadyResolvedIsNoOp(t *testing.T) {
	for _, first := range []bool{true, false} {
		d, st, exec := newFixture(t)
		ctx := context.Background()
		res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddTask, Params: params(t, `{"title":"x"}`)}, "alice")
		require.NoError(t, err)
		_, err = d.Resolve(ctx, res.ConfirmationID, first, "alice")
		require.NoError(t, err)

		callsBefore, writesBefore := exec.count(), st.writes()
		for _, second := range []bool{true, false} {
			_, err = d.Resolve(ctx, res.ConfirmationID, second, "alice")
			require.ErrorIs(t, err, ErrAlreadyResolved)

			var are *AlreadyResolvedError
			require.ErrorAs(t, err, &are)
			if first {
				assert.Equal(t, confirmations.StatusConfirmed, are.Status)
			} else {
				assert.Equal(t, confirmations.StatusRejected, are.Status)
			}
		}
		assert.Equal(t, callsBefore, exec.count())
		assert.Equal(t, writesBefore, st.writes())
	}
}

func TestResolve_ConcurrentApprovalsExecuteOnce(t *testing.T) {
	backends := map[string]func(t *testing.T) confirmations.Store{
		"memory": func(*testing.T) confirmations.Store { return confirmations.NewMemoryStore() },
		"sqlite": func(t *testing.T) confirmations.Store {
			s, err := store.Open(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return confirmations.NewSQLiteStore(s.DB())
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			exec := &recordingExecutor{}
			d := New(newStore(t), exec)
			ctx := context.Background()

			res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddTask, Params: params(t, `{"title":"Buy milk"}`)}, "alice")
			require.NoError(t, err)

			const callers = 10
			var wg sync.WaitGroup
			var ok, already atomic.Int32
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := d.Resolve(ctx, res.ConfirmationID, true, "alice")
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, ErrAlreadyResolved):
						already.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, exec.count())
			assert.EqualValues(t, 1, ok.Load())
			assert.EqualValues(t, callers-1, already.Load())
		})
	}
}

func TestResolve_IdentityPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  IdentityPolicy
		caller  string
		wantErr error
	}{
		{"owner strict", IdentityPolicy{Mode: IdentityStrict}, "alice", nil},
		{"other strict", IdentityPolicy{Mode: IdentityStrict}, "mallory", ErrIdentityMismatch},
		{"anonymous strict", IdentityPolicy{Mode: IdentityStrict, AnonymousUser: "api_user"}, "api_user", ErrIdentityMismatch},
		{"anonymous trusted", IdentityPolicy{Mode: IdentityTrustAnonymous, AnonymousUser: "api_user"}, "api_user", nil},
		{"other trusted", IdentityPolicy{Mode: IdentityTrustAnonymous, AnonymousUser: "api_user"}, "mallory", ErrIdentityMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, st, exec := newFixture(t, WithIdentityPolicy(tt.policy))
			ctx := context.Background()
			res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddTask, Params: params(t, `{"title":"x"}`)}, "alice")
			require.NoError(t, err)

			_, err = d.Resolve(ctx, res.ConfirmationID, true, tt.caller)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, 1, exec.count())
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, exec.count())
			assert.EqualValues(t, 0, st.transitions.Load())

			rec, err := st.Get(ctx, res.ConfirmationID)
			require.NoError(t, err)
			assert.Equal(t, confirmations.StatusPending, rec.Status)
		})
	}
}

func TestResolve_ExecutionFailureKeepsConfirmed(t *testing.T) {
	d, st, exec := newFixture(t)
	exec.err = errors.New("calendar API: 503")
	ctx := context.Background()

	res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddCalendarEvent, Params: params(t, `{"summary":"Dentist","start_time":"2026-03-14T10:00:00"}`)}, "alice")
	require.NoError(t, err)

	out, err := d.Resolve(ctx, res.ConfirmationID, true, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailure)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, action.KindAddCalendarEvent, execErr.Kind)
	assert.Equal(t, res.ConfirmationID, execErr.ConfirmationID)
	require.NotNil(t, out)
	assert.Equal(t, TextFailed, out.Text)
	assert.Equal(t, 1, exec.count())

	rec, err := st.Get(ctx, res.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, confirmations.StatusConfirmed, rec.Status)

	// No retry on a second answer.
	_, err = d.Resolve(ctx, res.ConfirmationID, true, "alice")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, 1, exec.count())
}

func TestHandleIntent_ImmediateExecutionFailure(t *testing.T) {
	d, _, exec := newFixture(t)
	exec.err = errors.New("timeout")

	res, err := d.HandleIntent(context.Background(), action.Intent{Kind: action.KindSearchNotes, Params: action.Params{}}, "alice")
	assert.ErrorIs(t, err, ErrExecutionFailure)
	require.NotNil(t, res)
	assert.Equal(t, TextFailed, res.Text)
}

func TestHandleIntent_BusinessFailurePassesThrough(t *testing.T) {
	d, _, exec := newFixture(t)
	exec.result = action.Failed("No notes found")

	res, err := d.HandleIntent(context.Background(), action.Intent{Kind: action.KindSearchNotes, Params: action.Params{}}, "alice")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No notes found", res.Text)
}

func TestHandleIntent_CustomPolicy(t *testing.T) {
	d, _, exec := newFixture(t, WithPolicy(NewStaticPolicy(action.KindGetTasks)))

	res, err := d.HandleIntent(context.Background(), action.Intent{Kind: action.KindGetTasks}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, res.Status)

	res, err = d.HandleIntent(context.Background(), action.Intent{Kind: action.KindAddTask}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 1, exec.count())
}

// failingStore fails every call.
type failingStore struct{ confirmations.Store }

func (failingStore) Create(context.Context, *confirmations.Record) error {
	return errors.New("disk full")
}

func (failingStore) Get(context.Context, string) (*confirmations.Record, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailuresPropagate(t *testing.T) {
	exec := &recordingExecutor{}
	d := New(failingStore{}, exec)

	_, err := d.HandleIntent(context.Background(), action.Intent{Kind: action.KindAddTask}, "alice")
	require.Error(t, err)
	assert.Equal(t, 0, exec.count())

	_, err = d.Resolve(context.Background(), "x", true, "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownConfirmation)
}

func TestResolve_PurgedBetweenGetAndTransition(t *testing.T) {
	mem := confirmations.NewMemoryStore()
	exec := &recordingExecutor{}
	d := New(&purgingStore{Store: mem}, exec)
	ctx := context.Background()

	res, err := d.HandleIntent(ctx, action.Intent{Kind: action.KindAddTask, Params: params(t, `{"title":"x"}`)}, "alice")
	require.NoError(t, err)

	_, err = d.Resolve(ctx, res.ConfirmationID, true, "alice")
	assert.ErrorIs(t, err, ErrUnknownConfirmation)
	assert.Equal(t, 0, exec.count())
}

// purgingStore deletes everything right before a transition.
type purgingStore struct{ confirmations.Store }

func (s *purgingStore) Transition(ctx context.Context, id string, to confirmations.Status) (*confirmations.Record, error) {
	if _, err := s.Store.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		return nil, err
	}
	return s.Store.Transition(ctx, id, to)
}
