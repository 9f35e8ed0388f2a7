package dispatch

import (
	"testing"

	"github.com/bdobrica/Hisho/internal/hisho/action"
)

func TestRenderPrompt(t *testing.T) {
	p := func(raw string) action.Params {
		params, err := action.ParseParams([]byte(raw))
		if err != nil {
			t.Fatalf("ParseParams(%s): %v", raw, err)
		}
		return params
	}

	tests := []struct {
		name   string
		kind   string
		params action.Params
		want   string
	}{
		{
			name:   "event with time",
			kind:   action.KindAddCalendarEvent,
			params: p(`{"summary":"Dentist","start_time":"2026-03-14T10:30:00"}`),
			want:   "📅 Did I get that right: add event 'Dentist' on 14 March at 10:30?",
		},
		{
			name:   "event with zone",
			kind:   action.KindAddCalendarEvent,
			params: p(`{"summary":"Call","start_time":"2026-03-14T10:30:00+03:00"}`),
			want:   "📅 Did I get that right: add event 'Call' on 14 March at 10:30?",
		},
		{
			name:   "event with unparsable time",
			kind:   action.KindAddCalendarEvent,
			params: p(`{"summary":"Call","start_time":"tomorrow"}`),
			want:   "📅 Did I get that right: add event 'Call' on tomorrow?",
		},
		{
			name:   "event without fields",
			kind:   action.KindAddCalendarEvent,
			params: action.Params{},
			want:   "📅 Did I get that right: add event 'event'?",
		},
		{
			name:   "task",
			kind:   action.KindAddTask,
			params: p(`{"title":"Buy milk"}`),
			want:   "✅ Did I get that right: add task 'Buy milk'?",
		},
		{
			name:   "task without title",
			kind:   action.KindAddTask,
			params: nil,
			want:   "✅ Did I get that right: add a task?",
		},
		{
			name:   "shopping",
			kind:   action.KindAddShoppingItem,
			params: p(`{"items":["milk","bread","eggs"]}`),
			want:   "🛒 Did I get that right: add to shopping list: milk, bread, eggs?",
		},
		{
			name:   "shopping empty",
			kind:   action.KindAddShoppingItem,
			params: p(`{"items":[]}`),
			want:   "🛒 Did I get that right: add items to the shopping list?",
		},
		{
			name:   "note",
			kind:   action.KindCreateNote,
			params: p(`{"title":"Ideas","content":"..."}`),
			want:   "📝 Did I get that right: create note 'Ideas'?",
		},
		{
			name:   "unknown kind",
			kind:   "launch_rocket",
			params: action.Params{},
			want:   "Did I get that right: execute action launch_rocket?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderPrompt(tt.kind, tt.params); got != tt.want {
				t.Errorf("RenderPrompt() = %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestParseIdentityMode(t *testing.T) {
	for in, want := range map[string]IdentityMode{
		"strict":          IdentityStrict,
		" STRICT ":        IdentityStrict,
		"trust-anonymous": IdentityTrustAnonymous,
		"":                IdentityTrustAnonymous,
	} {
		got, err := ParseIdentityMode(in)
		if err != nil || got != want {
			t.Errorf("ParseIdentityMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseIdentityMode("lax"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
