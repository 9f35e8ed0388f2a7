package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Hisho/internal/hisho/assistant"
)

// Assistant is the part of *assistant.Assistant the built-in commands use.
type Assistant interface {
	Stats(ctx context.Context, userID string, days int) (*assistant.Stats, error)
	ConfirmLatest(ctx context.Context, userID string, approved bool, iface string) (*assistant.Reply, error)
}

var _ Assistant = (*assistant.Assistant)(nil)

const defaultStatsDays = 7

// RegisterDefaults installs start, help, stats and cancel on r.
func RegisterDefaults(r *Router, a Assistant) {
	h := &handlers{asst: a, prefix: r.Prefix()}
	r.Register("start", h.start)
	r.Register("help", h.help)
	r.Register("stats", h.stats)
	r.Register("cancel", h.cancel)
}

type handlers struct {
	asst   Assistant
	prefix string
}

func (h *handlers) start(ctx context.Context, cmd *Command, caller Caller) (string, error) {
	return "👋 Hi! I'm Hisho, your personal assistant.\n\n" +
		"I can add calendar events, tasks and shopping items, and take or find notes in Obsidian. " +
		"Just write or say what you need.\n\n" +
		"Type " + h.prefix + "help to see what else I can do.", nil
}

func (h *handlers) help(ctx context.Context, cmd *Command, caller Caller) (string, error) {
	p := h.prefix
	var b strings.Builder
	b.WriteString("📖 What I can do:\n")
	b.WriteString("• 📅 Calendar: \"Dentist tomorrow at 10\", \"What's on this week?\"\n")
	b.WriteString("• ✅ Tasks: \"Remind me to call mom\", \"Show my tasks\"\n")
	b.WriteString("• 🛒 Shopping: \"Add milk and bread to the shopping list\"\n")
	b.WriteString("• 📝 Notes: \"Make a note about the project idea\", \"Find notes about taxes\"\n\n")
	b.WriteString("Before changing anything I ask you to confirm. Answer yes or no.\n\n")
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "%sstats [days] - usage statistics\n", p)
	fmt.Fprintf(&b, "%scancel - cancel the action waiting for confirmation\n", p)
	fmt.Fprintf(&b, "%shelp - this message", p)
	return b.String(), nil
}

func (h *handlers) stats(ctx context.Context, cmd *Command, caller Caller) (string, error) {
	days := defaultStatsDays
	raw, ok := cmd.GetArg(0)
	if !ok {
		raw = cmd.GetFlag("days", "")
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			return fmt.Sprintf("Usage: %sstats [days], with days between 1 and 365", h.prefix), nil
		}
		days = n
	}

	st, err := h.asst.Stats(ctx, caller.UserID, days)
	if err != nil {
		return "", fmt.Errorf("load stats: %w", err)
	}
	return FormatStats(st), nil
}

func (h *handlers) cancel(ctx context.Context, cmd *Command, caller Caller) (string, error) {
	reply, err := h.asst.ConfirmLatest(ctx, caller.UserID, false, caller.Interface)
	if err != nil {
		if errors.Is(err, assistant.ErrNothingPending) {
			return assistant.TextNothingPending, nil
		}
		return assistant.ErrorText(err), nil
	}
	return reply.Text, nil
}

// FormatStats renders usage statistics for chat.
func FormatStats(st *assistant.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Your activity over the last %d days:\n", st.Days)
	fmt.Fprintf(&b, "Requests: %d\n", st.Requests)
	fmt.Fprintf(&b, "Tokens used: %d", st.Tokens)
	if kinds := st.TopKinds(); len(kinds) > 0 {
		b.WriteString("\n\nBy action:")
		for _, k := range kinds {
			fmt.Fprintf(&b, "\n• %s: %d", k, st.ByKind[k])
		}
	}
	if st.TokensLeftToday >= 0 {
		fmt.Fprintf(&b, "\n\nTokens left today: %d", st.TokensLeftToday)
	}
	return b.String()
}
