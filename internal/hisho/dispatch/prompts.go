package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Hisho/internal/hisho/action"
)

const promptLead = "Did I get that right:"

// Layouts accepted for event start times, most specific first.
var startTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// RenderPrompt builds the confirmation question for an intent. It is pure:
// the same kind and params always give the same text.
func RenderPrompt(kind string, params action.Params) string {
	switch kind {
	case action.KindAddCalendarEvent:
		summary := params.String("summary")
		if summary == "" {
			summary = "event"
		}
		when := FormatStartTime(params.String("start_time"))
		if when == "" {
			return fmt.Sprintf("📅 %s add event '%s'?", promptLead, summary)
		}
		return fmt.Sprintf("📅 %s add event '%s' on %s?", promptLead, summary, when)

	case action.KindAddTask:
		if title := params.String("title"); title != "" {
			return fmt.Sprintf("✅ %s add task '%s'?", promptLead, title)
		}
		return fmt.Sprintf("✅ %s add a task?", promptLead)

	case action.KindAddShoppingItem:
		if items := params.Strings("items"); len(items) > 0 {
			return fmt.Sprintf("🛒 %s add to shopping list: %s?", promptLead, strings.Join(items, ", "))
		}
		return fmt.Sprintf("🛒 %s add items to the shopping list?", promptLead)

	case action.KindCreateNote:
		if title := params.String("title"); title != "" {
			return fmt.Sprintf("📝 %s create note '%s'?", promptLead, title)
		}
		return fmt.Sprintf("📝 %s create a note?", promptLead)

	default:
		return fmt.Sprintf("%s execute action %s?", promptLead, kind)
	}
}

// FormatStartTime renders an ISO 8601 time as "02 January at 15:04". Values
// that do not parse are returned unchanged.
func FormatStartTime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("02 January at 15:04")
		}
	}
	return raw
}
