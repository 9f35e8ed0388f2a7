// Package dispatch gates side-effecting actions behind a confirmation step.
//
// HandleIntent either runs an action immediately or records it as a pending
// confirmation and returns the question to ask. Resolve answers such a
// question from any channel: the record is committed to its terminal status
// first and the action runs only if that commit succeeded, so one record
// executes at most once however many answers arrive.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// Status is the outcome of a dispatch call.
type Status string

const (
	StatusExecuted             Status = "executed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusRejected             Status = "rejected"
)

// User-facing texts.
const (
	TextCancelled = "Okay, action cancelled."
	TextFailed    = "❌ The action failed. Please try again later."
)

// Result is what a dispatch call reports to the channel.
type Result struct {
	Status Status
	// Text is the executor message, the confirmation prompt, or the
	// cancellation notice.
	Text string
	Kind string
	// ConfirmationID is set for StatusAwaitingConfirmation and for results
	// of Resolve.
	ConfirmationID string
	// Success mirrors the executor's result for executed actions.
	Success bool
}

// Observer receives dispatch events; the metrics package implements it.
type Observer interface {
	IntentDispatched(kind string, status Status)
	ConfirmationResolved(status confirmations.Status)
	ActionExecuted(kind string, success bool, err error)
}

// Dispatcher routes intents to the executor or the confirmation store. It
// holds no locks; all coordination is the store's conditional transition.
type Dispatcher struct {
	store    confirmations.Store
	executor action.Executor
	policy   Policy
	identity IdentityPolicy
	observer Observer
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithIdentityPolicy sets the ownership check used by Resolve.
func WithIdentityPolicy(p IdentityPolicy) Option { return func(d *Dispatcher) { d.identity = p } }

// WithObserver reports dispatch events to o.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// New returns a Dispatcher. Without options it uses DefaultPolicy and a
// strict identity check.
func New(store confirmations.Store, executor action.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		executor: executor,
		policy:   DefaultPolicy(),
		identity: IdentityPolicy{Mode: IdentityStrict},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RequiresConfirmation reports whether kind is gated.
func (d *Dispatcher) RequiresConfirmation(kind string) bool {
	return d.policy.RequiresConfirmation(kind)
}

// HandleIntent executes in immediately when its kind is not gated, or
// persists a pending confirmation owned by userID and returns the prompt.
//
// When an immediate execution fails in transport, both a Result carrying
// TextFailed and an *ExecutionError are returned.
func (d *Dispatcher) HandleIntent(ctx context.Context, in action.Intent, userID string) (*Result, error) {
	log := observability.WithTrace(ctx).With("kind", in.Kind, "user_id", userID)

	if !d.policy.RequiresConfirmation(in.Kind) {
		res, err := d.execute(ctx, in.Kind, in.Params, "")
		d.intentDispatched(in.Kind, StatusExecuted)
		return res, err
	}

	params := in.Params
	if params == nil {
		params = action.Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", in.Kind, err)
	}

	rec := &confirmations.Record{
		ID:         confirmations.NewID(),
		UserID:     userID,
		Kind:       in.Kind,
		Params:     raw,
		PromptText: RenderPrompt(in.Kind, params),
	}
	if err := d.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store confirmation: %w", err)
	}

	log.Info("confirmation requested", "confirmation_id", rec.ID)
	d.intentDispatched(in.Kind, StatusAwaitingConfirmation)
	return &Result{
		Status:         StatusAwaitingConfirmation,
		Text:           rec.PromptText,
		Kind:           in.Kind,
		ConfirmationID: rec.ID,
	}, nil
}

// Resolve answers the confirmation id on behalf of userID.
//
// The record must exist (ErrUnknownConfirmation), belong to the caller
// under the identity policy (ErrIdentityMismatch) and still be pending
// (ErrAlreadyResolved); none of these failures writes anything. On approval
// the record is committed as confirmed before the stored action runs once.
// If another caller wins the commit, ErrAlreadyResolved is returned and
// nothing runs.
func (d *Dispatcher) Resolve(ctx context.Context, id string, approved bool, userID string) (*Result, error) {
	log := observability.WithTrace(ctx).With("confirmation_id", id, "user_id", userID, "approved", approved)

	rec, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, confirmations.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConfirmation, id)
		}
		return nil, fmt.Errorf("load confirmation: %w", err)
	}

	if !d.identity.Allows(rec.UserID, userID) {
		log.Warn("confirmation owned by another user", "owner", rec.UserID)
		return nil, fmt.Errorf("%w: %s", ErrIdentityMismatch, id)
	}

	if rec.Status != confirmations.StatusPending {
		return nil, &AlreadyResolvedError{ID: id, Status: rec.Status}
	}

	to := confirmations.StatusRejected
	if approved {
		to = confirmations.StatusConfirmed
	}
	if _, err := d.store.Transition(ctx, id, to); err != nil {
		switch {
		case errors.Is(err, confirmations.ErrInvalidTransition):
			log.Info("confirmation resolved concurrently")
			return nil, &AlreadyResolvedError{ID: id}
		case errors.Is(err, confirmations.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrUnknownConfirmation, id)
		default:
			return nil, fmt.Errorf("commit confirmation: %w", err)
		}
	}
	d.confirmationResolved(to)
	log.Info("confirmation resolved", "status", to, "kind", rec.Kind)

	if !approved {
		return &Result{
			Status:         StatusRejected,
			Text:           TextCancelled,
			Kind:           rec.Kind,
			ConfirmationID: id,
		}, nil
	}

	params, err := action.ParseParams(rec.Params)
	if err != nil {
		err = &ExecutionError{Kind: rec.Kind, ConfirmationID: id, Err: fmt.Errorf("decode stored params: %w", err)}
		d.actionExecuted(rec.Kind, false, err)
		return &Result{Status: StatusExecuted, Text: TextFailed, Kind: rec.Kind, ConfirmationID: id}, err
	}
	return d.execute(ctx, rec.Kind, params, id)
}

func (d *Dispatcher) execute(ctx context.Context, kind string, params action.Params, confirmationID string) (*Result, error) {
	res, err := d.executor.Execute(ctx, kind, params)
	d.actionExecuted(kind, res.Success, err)
	if err != nil {
		observability.WithTrace(ctx).Error("action execution failed", "kind", kind, "confirmation_id", confirmationID, "err", err)
		return &Result{
			Status:         StatusExecuted,
			Text:           TextFailed,
			Kind:           kind,
			ConfirmationID: confirmationID,
		}, &ExecutionError{Kind: kind, ConfirmationID: confirmationID, Err: err}
	}
	return &Result{
		Status:         StatusExecuted,
		Text:           res.Message,
		Kind:           kind,
		ConfirmationID: confirmationID,
		Success:        res.Success,
	}, nil
}

func (d *Dispatcher) intentDispatched(kind string, status Status) {
	if d.observer != nil {
		d.observer.IntentDispatched(kind, status)
	}
}

func (d *Dispatcher) confirmationResolved(status confirmations.Status) {
	if d.observer != nil {
		d.observer.ConfirmationResolved(status)
	}
}

func (d *Dispatcher) actionExecuted(kind string, success bool, err error) {
	if d.observer != nil {
		d.observer.ActionExecuted(kind, success, err)
	}
}
