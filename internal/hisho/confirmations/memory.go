package confirmations

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs tests and
// single-process deployments that do not need records to survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
	}
	prepare(rec, s.now())
	s.records[rec.ID] = clone(rec)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(rec), nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, id string, to Status) (*Record, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, rec.Status)
	}
	now := s.now().UTC()
	rec.Status = to
	rec.ResolvedAt = &now
	return clone(rec), nil
}

// LatestPending implements Store.
func (s *MemoryStore) LatestPending(_ context.Context, userID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Record
	for _, rec := range s.records {
		if rec.UserID != userID || rec.Status != StatusPending {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no pending confirmation for %s", ErrNotFound, userID)
	}
	return clone(latest), nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.CreatedAt.Before(olderThan) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
