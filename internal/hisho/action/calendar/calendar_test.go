package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Hisho/internal/hisho/action"
)

func params(t *testing.T, raw string) action.Params {
	t.Helper()
	p, err := action.ParseParams([]byte(raw))
	require.NoError(t, err)
	return p
}

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return loc
}

func TestAddEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"ev1","htmlLink":"https://calendar/ev1"}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseURL: srv.URL, Location: moscow(t)})
	res, err := c.AddEvent(context.Background(), params(t, `{"summary":"Dentist","start_time":"2026-03-14T10:30:00","location":"Clinic"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "✅ Event 'Dentist' added to the calendar", res.Message)

	assert.Equal(t, "Dentist", got["summary"])
	assert.Equal(t, "Clinic", got["location"])
	start := got["start"].(map[string]any)
	end := got["end"].(map[string]any)
	assert.Equal(t, "2026-03-14T10:30:00+03:00", start["dateTime"])
	assert.Equal(t, "Europe/Moscow", start["timeZone"])
	assert.Equal(t, "2026-03-14T11:30:00+03:00", end["dateTime"])
}

func TestAddEvent_BadTimesAreBusinessFailures(t *testing.T) {
	c := New(http.DefaultClient, Config{BaseURL: "http://unused.invalid"})
	res, err := c.AddEvent(context.Background(), params(t, `{"summary":"x","start_time":"tomorrow"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = c.AddEvent(context.Background(), params(t, `{"summary":"x","start_time":"2026-03-14T10:00","end_time":"2026-03-14T09:00"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestAddEvent_TransportErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseURL: srv.URL})
	_, err := c.AddEvent(context.Background(), params(t, `{"summary":"x","start_time":"2026-03-14T10:00:00Z"}`))
	require.Error(t, err)
}

func TestListEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2026-03-14T09:00:00+03:00", q.Get("timeMin"))
		assert.Equal(t, "2026-03-21T09:00:00+03:00", q.Get("timeMax"))
		assert.Equal(t, "3", q.Get("maxResults"))
		assert.Equal(t, "startTime", q.Get("orderBy"))
		_, _ = w.Write([]byte(`{"items":[
			{"id":"1","summary":"Standup","start":{"dateTime":"2026-03-16T07:00:00Z"},"end":{"dateTime":"2026-03-16T07:15:00Z"}},
			{"id":"2","start":{"date":"2026-03-17"},"end":{"date":"2026-03-18"}}
		]}`))
	}))
	defer srv.Close()

	loc := moscow(t)
	c := New(srv.Client(), Config{BaseURL: srv.URL, Location: loc})
	c.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, loc) }

	res, err := c.ListEvents(context.Background(), params(t, `{"max_results":3}`))
	require.NoError(t, err)
	assert.Equal(t, "📅 Found 2 events:\n• Standup (16.03 at 10:00)\n• (untitled) (17.03, all day)", res.Message)
}

func TestListEvents_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseURL: srv.URL})
	res, err := c.ListEvents(context.Background(), params(t, `{"time_min":"2026-03-14","time_max":"2026-03-15"}`))
	require.NoError(t, err)
	assert.Equal(t, "📅 No events found", res.Message)
}

func TestRegister(t *testing.T) {
	cat, err := action.DefaultCatalog()
	require.NoError(t, err)
	reg, err := action.NewRegistry(cat)
	require.NoError(t, err)
	require.NoError(t, New(http.DefaultClient, Config{}).Register(reg))
	assert.Equal(t, []string{action.KindAddCalendarEvent, action.KindGetCalendarEvents}, reg.Kinds())
}
