package dispatch

import (
	"errors"
	"fmt"

	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
)

var (
	// ErrUnknownConfirmation is returned when no record has the given id,
	// either because it never existed or because it was purged.
	ErrUnknownConfirmation = errors.New("confirmation not found or expired")
	// ErrAlreadyResolved is returned when the record is no longer pending.
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	// ErrExecutionFailure is matched by every *ExecutionError.
	ErrExecutionFailure = errors.New("action execution failed")
	// ErrIdentityMismatch is returned when the caller does not own the
	// confirmation.
	ErrIdentityMismatch = errors.New("confirmation belongs to another user")
)

// ExecutionError reports an executor transport failure. When ConfirmationID
// is set the record has already been committed as confirmed and stays so.
type ExecutionError struct {
	Kind           string
	ConfirmationID string
	Err            error
}

func (e *ExecutionError) Error() string {
	if e.ConfirmationID != "" {
		return fmt.Sprintf("execute %s (confirmation %s): %v", e.Kind, e.ConfirmationID, e.Err)
	}
	return fmt.Sprintf("execute %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExecutionFailure) true.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// AlreadyResolvedError carries the status a record was found in.
type AlreadyResolvedError struct {
	ID     string
	Status confirmations.Status
}

func (e *AlreadyResolvedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("confirmation %s already resolved", e.ID)
	}
	return fmt.Sprintf("confirmation %s already %s", e.ID, e.Status)
}

// Is makes errors.Is(err, ErrAlreadyResolved) true.
func (e *AlreadyResolvedError) Is(target error) bool { return target == ErrAlreadyResolved }
