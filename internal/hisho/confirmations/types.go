// Package confirmations persists the confirmation records that gate every
// side-effecting action.
//
// A record is created pending when an action needs the user's approval and
// moves exactly once to confirmed or rejected. The move is a compare-and-set
// on the pending status in every backend, so two concurrent answers to the
// same prompt produce a single winner.
package confirmations

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a confirmation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s is a resolved state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("confirmation not found")
	// ErrConflict is returned by Create when the id is already taken.
	ErrConflict = errors.New("confirmation already exists")
	// ErrInvalidTransition is returned when the record is no longer pending
	// or the target status is not terminal.
	ErrInvalidTransition = errors.New("invalid confirmation transition")
)

// Record is one confirmation request.
type Record struct {
	// ID is an opaque UUID, immutable.
	ID string
	// UserID is the identity that owns the prompt.
	UserID string
	// Kind is the action kind to run on approval.
	Kind string
	// Params is the JSON-encoded action parameters.
	Params json.RawMessage
	// PromptText is the question shown to the user.
	PromptText string
	Status     Status
	CreatedAt  time.Time
	// ResolvedAt is set when the record leaves pending.
	ResolvedAt *time.Time
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

// Store persists confirmation records.
type Store interface {
	// Create inserts rec. It returns ErrConflict if rec.ID exists.
	Create(ctx context.Context, rec *Record) error
	// Get returns the record with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Transition atomically moves a pending record to the terminal status to
	// and returns the updated record. It returns ErrNotFound or
	// ErrInvalidTransition.
	Transition(ctx context.Context, id string, to Status) (*Record, error)
	// LatestPending returns the user's most recent pending record, or
	// ErrNotFound.
	LatestPending(ctx context.Context, userID string) (*Record, error)
	// Purge deletes records created before olderThan and returns how many
	// were removed.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

func validate(rec *Record) error {
	if rec == nil {
		return errors.New("nil confirmation record")
	}
	if rec.ID == "" {
		return errors.New("confirmation id is required")
	}
	if rec.Kind == "" {
		return errors.New("confirmation kind is required")
	}
	return nil
}

// prepare fills defaults on a record about to be created.
func prepare(rec *Record, now time.Time) {
	rec.Status = StatusPending
	rec.ResolvedAt = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(rec.Params) == 0 {
		rec.Params = json.RawMessage("{}")
	}
}

func clone(rec *Record) *Record {
	c := *rec
	c.Params = append(json.RawMessage(nil), rec.Params...)
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
