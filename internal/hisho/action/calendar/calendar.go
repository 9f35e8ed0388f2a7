// Package calendar implements the calendar actions on Google Calendar v3.
package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/action/google"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// DefaultBaseURL is the Calendar v3 REST root.
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

const (
	defaultDuration   = time.Hour
	defaultRange      = 7 * 24 * time.Hour
	defaultMaxResults = 10
)

// Config selects the calendar and the zone naive times are read in.
type Config struct {
	BaseURL    string
	CalendarID string
	Location   *time.Location
}

// Calendar runs add_calendar_event and get_calendar_events.
type Calendar struct {
	api *google.Client
	cfg Config
	now func() time.Time
}

// New returns a Calendar using hc, which must carry Google credentials.
func New(hc *http.Client, cfg Config) *Calendar {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Calendar{api: google.NewClient(cfg.BaseURL, hc), cfg: cfg, now: time.Now}
}

// Register adds the calendar handlers to r.
func (c *Calendar) Register(r *action.Registry) error {
	if err := r.Register(action.KindAddCalendarEvent, action.HandlerFunc(c.AddEvent)); err != nil {
		return err
	}
	return r.Register(action.KindGetCalendarEvents, action.HandlerFunc(c.ListEvents))
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type event struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
}

type eventList struct {
	Items []event `json:"items"`
}

// AddEvent creates an event. end_time defaults to one hour after start_time.
func (c *Calendar) AddEvent(ctx context.Context, params action.Params) (action.Result, error) {
	summary := params.String("summary")
	start, err := ParseTime(params.String("start_time"), c.cfg.Location)
	if err != nil {
		return action.Failed(fmt.Sprintf("❌ Invalid start time %q.", params.String("start_time"))), nil
	}
	end := start.Add(defaultDuration)
	if raw := params.String("end_time"); raw != "" {
		if end, err = ParseTime(raw, c.cfg.Location); err != nil {
			return action.Failed(fmt.Sprintf("❌ Invalid end time %q.", raw)), nil
		}
		if !end.After(start) {
			return action.Failed("❌ The event must end after it starts."), nil
		}
	}

	zone := c.cfg.Location.String()
	body := event{
		Summary:     summary,
		Description: params.String("description"),
		Location:    params.String("location"),
		Start:       eventTime{DateTime: start.Format(time.RFC3339), TimeZone: zone},
		End:         eventTime{DateTime: end.Format(time.RFC3339), TimeZone: zone},
	}
	var created event
	if err := c.api.Post(ctx, "/calendars/"+url.PathEscape(c.cfg.CalendarID)+"/events", body, &created); err != nil {
		return action.Result{}, fmt.Errorf("create event: %w", err)
	}

	observability.WithTrace(ctx).Info("calendar event created", "event_id", created.ID)
	return action.Succeeded(fmt.Sprintf("✅ Event '%s' added to the calendar", summary)), nil
}

// ListEvents lists events between time_min (default now) and time_max
// (default a week later).
func (c *Calendar) ListEvents(ctx context.Context, params action.Params) (action.Result, error) {
	now := c.now().In(c.cfg.Location)
	from, to := now, now.Add(defaultRange)
	var err error
	if raw := params.String("time_min"); raw != "" {
		if from, err = ParseTime(raw, c.cfg.Location); err != nil {
			return action.Failed(fmt.Sprintf("❌ Invalid time %q.", raw)), nil
		}
	}
	if raw := params.String("time_max"); raw != "" {
		if to, err = ParseTime(raw, c.cfg.Location); err != nil {
			return action.Failed(fmt.Sprintf("❌ Invalid time %q.", raw)), nil
		}
	}

	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", to.Format(time.RFC3339))
	q.Set("maxResults", strconv.Itoa(params.Int("max_results", defaultMaxResults)))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")

	var list eventList
	if err := c.api.Get(ctx, "/calendars/"+url.PathEscape(c.cfg.CalendarID)+"/events", q, &list); err != nil {
		return action.Result{}, fmt.Errorf("list events: %w", err)
	}
	if len(list.Items) == 0 {
		return action.Succeeded("📅 No events found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📅 Found %d events:", len(list.Items))
	for _, ev := range list.Items {
		summary := ev.Summary
		if summary == "" {
			summary = "(untitled)"
		}
		fmt.Fprintf(&b, "\n• %s (%s)", summary, c.formatStart(ev.Start))
	}
	return action.Succeeded(b.String()), nil
}

func (c *Calendar) formatStart(t eventTime) string {
	if t.DateTime != "" {
		if ts, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return ts.In(c.cfg.Location).Format("02.01 at 15:04")
		}
		return t.DateTime
	}
	if d, err := time.Parse(time.DateOnly, t.Date); err == nil {
		return d.Format("02.01") + ", all day"
	}
	return t.Date
}

var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseTime reads an ISO 8601 time. Values without an offset are taken in
// loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range layouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
