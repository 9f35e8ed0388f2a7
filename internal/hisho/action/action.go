// Package action defines the side-effecting actions Hisho can perform, the
// registry that maps an action kind to its handler, and the catalog that
// describes every action to the language model.
package action

import "context"

// Action kinds known to the built-in handlers.
const (
	KindAddCalendarEvent  = "add_calendar_event"
	KindGetCalendarEvents = "get_calendar_events"
	KindAddTask           = "add_task"
	KindAddShoppingItem   = "add_shopping_item"
	KindGetTasks          = "get_tasks"
	KindCreateNote        = "create_note"
	KindSearchNotes       = "search_notes"
)

// Intent is a structured request to perform Kind with Params, derived from a
// model tool call. It is transient: only a confirmation record persists it.
type Intent struct {
	Kind   string
	Params Params
}

// Result is what a handler reports back. Expected business failures (bad
// input, nothing found) are Success=false with a user-facing Message, never
// an error.
type Result struct {
	Success bool
	Message string
}

// Executor runs an action by kind. It returns an error only for transport
// faults (network, auth, I/O); the caller must not retry on error.
type Executor interface {
	Execute(ctx context.Context, kind string, params Params) (Result, error)
}

// Handler performs a single kind of action.
type Handler interface {
	Execute(ctx context.Context, params Params) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params Params) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params Params) (Result, error) {
	return f(ctx, params)
}

// Succeeded is shorthand for a successful Result.
func Succeeded(msg string) Result { return Result{Success: true, Message: msg} }

// Failed is shorthand for an expected business failure.
func Failed(msg string) Result { return Result{Success: false, Message: msg} }
