// Package tasks implements the to-do and shopping list actions on Google
// Tasks v1.
package tasks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/action/google"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// DefaultBaseURL is the Tasks v1 REST root.
const DefaultBaseURL = "https://tasks.googleapis.com/tasks/v1"

// maxListed bounds how many entries a get_tasks reply shows.
const maxListed = 10

// Config names the two task lists.
type Config struct {
	BaseURL        string
	TaskListID     string
	ShoppingListID string
}

// Tasks runs add_task, add_shopping_item and get_tasks.
type Tasks struct {
	api *google.Client
	cfg Config
}

// New returns Tasks using hc, which must carry Google credentials.
func New(hc *http.Client, cfg Config) *Tasks {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TaskListID == "" {
		cfg.TaskListID = "@default"
	}
	return &Tasks{api: google.NewClient(cfg.BaseURL, hc), cfg: cfg}
}

// Register adds the task handlers to r.
func (t *Tasks) Register(r *action.Registry) error {
	for kind, fn := range map[string]action.HandlerFunc{
		action.KindAddTask:         t.AddTask,
		action.KindAddShoppingItem: t.AddShoppingItems,
		action.KindGetTasks:        t.List,
	} {
		if err := r.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

type task struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	Due    string `json:"due,omitempty"`
	Status string `json:"status,omitempty"`
}

type taskList struct {
	Items []task `json:"items"`
}

// AddTask inserts a task into the to-do list.
func (t *Tasks) AddTask(ctx context.Context, params action.Params) (action.Result, error) {
	title := strings.TrimSpace(params.String("title"))
	body := task{Title: title, Notes: params.String("notes")}
	if raw := params.String("due_date"); raw != "" {
		due, err := DueDate(raw)
		if err != nil {
			return action.Failed(fmt.Sprintf("❌ Invalid due date %q.", raw)), nil
		}
		body.Due = due
	}

	var created task
	if err := t.api.Post(ctx, listPath(t.cfg.TaskListID), body, &created); err != nil {
		return action.Result{}, fmt.Errorf("create task: %w", err)
	}
	observability.WithTrace(ctx).Info("task created", "task_id", created.ID)
	return action.Succeeded(fmt.Sprintf("✅ Task '%s' added", title)), nil
}

// AddShoppingItems inserts one entry per item into the shopping list. Items
// added before a failure stay added.
func (t *Tasks) AddShoppingItems(ctx context.Context, params action.Params) (action.Result, error) {
	if t.cfg.ShoppingListID == "" {
		return action.Failed("❌ The shopping list is not configured."), nil
	}
	var items []string
	for _, item := range params.Strings("items") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return action.Failed("❌ Nothing to add to the shopping list."), nil
	}

	for i, item := range items {
		if err := t.api.Post(ctx, listPath(t.cfg.ShoppingListID), task{Title: item}, nil); err != nil {
			return action.Result{}, fmt.Errorf("add shopping item %d of %d: %w", i+1, len(items), err)
		}
	}
	return action.Succeeded("🛒 Added to shopping list: " + strings.Join(items, ", ")), nil
}

// List shows the to-do list, or the shopping list when task_list is
// "shopping".
func (t *Tasks) List(ctx context.Context, params action.Params) (action.Result, error) {
	listID := t.cfg.TaskListID
	if params.String("task_list") == "shopping" {
		if t.cfg.ShoppingListID == "" {
			return action.Failed("❌ The shopping list is not configured."), nil
		}
		listID = t.cfg.ShoppingListID
	}

	q := url.Values{}
	q.Set("maxResults", "100")
	if params.Bool("show_completed") {
		q.Set("showCompleted", "true")
		q.Set("showHidden", "true")
	} else {
		q.Set("showCompleted", "false")
	}

	var list taskList
	if err := t.api.Get(ctx, listPath(listID), q, &list); err != nil {
		return action.Result{}, fmt.Errorf("list tasks: %w", err)
	}
	if len(list.Items) == 0 {
		return action.Succeeded("📋 No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Found %d tasks:", len(list.Items))
	for i, it := range list.Items {
		if i == maxListed {
			fmt.Fprintf(&b, "\n… and %d more", len(list.Items)-maxListed)
			break
		}
		icon := "⬜"
		if it.Status == "completed" {
			icon = "✅"
		}
		title := it.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "\n%s %s", icon, title)
	}
	return action.Succeeded(b.String()), nil
}

func listPath(id string) string {
	return "/lists/" + url.PathEscape(id) + "/tasks"
}

// DueDate converts a date or date-time to the RFC 3339 form Google Tasks
// stores. Tasks only keep the date part.
func DueDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly) + "T00:00:00.000Z", nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}
