// Package assistant is the channel-independent entry point: it turns one user
// message into a reply, keeping history, usage and limits around the intent
// extractor and the dispatcher.
package assistant

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bdobrica/Hisho/common/trace"
	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/dispatch"
	"github.com/bdobrica/Hisho/internal/hisho/intent"
	"github.com/bdobrica/Hisho/internal/hisho/limits"
	"github.com/bdobrica/Hisho/internal/hisho/llm"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
	"github.com/bdobrica/Hisho/internal/hisho/store"
)

// Interfaces a request can arrive on; recorded with history and usage.
const (
	InterfaceTelegram = "telegram"
	InterfaceMatrix   = "matrix"
	InterfaceAPIText  = "api_text"
	InterfaceAPIVoice = "api_voice"
	InterfaceCLI      = "cli"
)

// ErrNothingPending is returned by ConfirmLatest when the user has no open
// confirmation.
var ErrNothingPending = errors.New("no pending confirmation")

// KindGeneral labels usage of turns that produced a plain reply.
const KindGeneral = "general"

// DefaultHistoryMessages is how many prior messages are sent to the model.
const DefaultHistoryMessages = 5

// Action tells the channel whether a reply awaits a yes/no answer.
type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionExecuted Action = "executed"
)

// Status summarizes how a request went.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusError              Status = "error"
	StatusNeedsClarification Status = "needs_clarification"
	StatusRateLimited        Status = "rate_limited"
)

// User-facing texts.
const (
	TextRateLimited         = "⏳ Too many requests. Please wait a minute and try again."
	TextBudgetExceeded      = "⏳ You have used today's request budget. Please try again tomorrow."
	TextProviderUnavailable = "Sorry, the assistant is temporarily unavailable. Please try again later."
	TextInternalError       = "Sorry, something went wrong. Please try again."
	TextClarify             = "Sorry, I didn't catch your answer. Please say 'yes' or 'no'."
	TextClarifyPrompt       = "Say 'yes' to confirm or 'no' to cancel."
	TextNotFound            = "Confirmation not found or expired."
	TextAlreadyResolved     = "This action has already been handled."
	TextNotYours            = "This confirmation belongs to another user."
	TextNothingPending      = "There is nothing waiting for your confirmation."
)

// Request is one inbound user message.
type Request struct {
	UserID    string
	Interface string
	Text      string
}

// Reply is what the channel shows the user.
type Reply struct {
	Action Action
	Status Status
	Text   string
	// ConfirmationID and ConfirmationText are set when Action is
	// ActionConfirm.
	ConfirmationID   string
	ConfirmationText string
	Kind             string
	TokensUsed       int
}

// ConfirmRequest answers a pending confirmation.
type ConfirmRequest struct {
	ID        string
	Approved  bool
	UserID    string
	Interface string
}

// History persists conversation turns and usage; *store.Store implements it.
type History interface {
	SaveMessage(ctx context.Context, m store.Message) error
	RecentMessages(ctx context.Context, userID string, limit int) ([]store.Message, error)
	SaveUsage(ctx context.Context, u store.Usage) error
	UsageSince(ctx context.Context, userID string, since time.Time) ([]store.Usage, error)
}

// Extractor maps a message to an intent or a reply; *intent.Extractor
// implements it.
type Extractor interface {
	Extract(ctx context.Context, history []llm.Message, message string) (*intent.Extraction, error)
}

// Dispatcher gates and runs intents; *dispatch.Dispatcher implements it.
type Dispatcher interface {
	HandleIntent(ctx context.Context, in action.Intent, userID string) (*dispatch.Result, error)
	Resolve(ctx context.Context, id string, approved bool, userID string) (*dispatch.Result, error)
}

// PendingLookup finds a user's latest open confirmation.
type PendingLookup interface {
	LatestPending(ctx context.Context, userID string) (*confirmations.Record, error)
}

var (
	_ History       = (*store.Store)(nil)
	_ Extractor     = (*intent.Extractor)(nil)
	_ Dispatcher    = (*dispatch.Dispatcher)(nil)
	_ PendingLookup = (confirmations.Store)(nil)
)

// Assistant handles requests from every channel.
type Assistant struct {
	extractor  Extractor
	dispatcher Dispatcher
	history    History
	pending    PendingLookup
	limiter    *limits.RateLimiter
	budget     *limits.TokenBudget
	rejected   prometheus.Counter
	historyLen int
	now        func() time.Time
}

// Option customizes an Assistant.
type Option func(*Assistant)

// WithRateLimiter rejects users exceeding l.
func WithRateLimiter(l *limits.RateLimiter) Option { return func(a *Assistant) { a.limiter = l } }

// WithTokenBudget rejects users who spent their daily budget.
func WithTokenBudget(b *limits.TokenBudget) Option { return func(a *Assistant) { a.budget = b } }

// WithRejectedCounter counts requests refused by the limits.
func WithRejectedCounter(c prometheus.Counter) Option { return func(a *Assistant) { a.rejected = c } }

// WithHistoryMessages sets how many prior messages are sent as context.
// Zero disables history.
func WithHistoryMessages(n int) Option { return func(a *Assistant) { a.historyLen = n } }

// WithPendingLookup enables ConfirmLatest.
func WithPendingLookup(p PendingLookup) Option { return func(a *Assistant) { a.pending = p } }

// WithClock overrides the time source used by Stats.
func WithClock(now func() time.Time) Option { return func(a *Assistant) { a.now = now } }

// New returns an Assistant. history may be nil, in which case nothing is
// persisted and no context is sent.
func New(extractor Extractor, dispatcher Dispatcher, history History, opts ...Option) *Assistant {
	a := &Assistant{
		extractor:  extractor,
		dispatcher: dispatcher,
		history:    history,
		historyLen: DefaultHistoryMessages,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleText processes one text message end to end. It always returns a
// reply; failures are logged and converted to user text.
func (a *Assistant) HandleText(ctx context.Context, req Request) *Reply {
	ctx, _ = trace.Ensure(ctx)
	log := observability.WithTrace(ctx).With("user_id", req.UserID, "interface", req.Interface)

	if reply := a.checkLimits(req.UserID); reply != nil {
		log.Warn("request rejected by limits")
		return reply
	}

	past := a.context(ctx, req.UserID)
	a.saveMessage(ctx, req, store.RoleUser, req.Text)

	ext, err := a.extractor.Extract(ctx, past, req.Text)
	if err != nil {
		text := TextInternalError
		if errors.Is(err, llm.ErrProviderUnavailable) {
			text = TextProviderUnavailable
		}
		log.Error("intent extraction failed", "err", err)
		return &Reply{Action: ActionExecuted, Status: StatusError, Text: text}
	}

	tokens := ext.Usage.TotalTokens
	if a.budget != nil {
		a.budget.RecordUsage(req.UserID, tokens)
	}

	reply := a.dispatch(ctx, req.UserID, ext.Outcome)
	reply.TokensUsed = tokens

	a.saveMessage(ctx, req, store.RoleAssistant, reply.Text)
	a.saveUsage(ctx, req, reply.Kind, tokens)
	return reply
}

func (a *Assistant) dispatch(ctx context.Context, userID string, out intent.Outcome) *Reply {
	if !out.IsAction() {
		return &Reply{Action: ActionExecuted, Status: StatusSuccess, Text: out.Reply.Text, Kind: KindGeneral}
	}

	res, err := a.dispatcher.HandleIntent(ctx, *out.Intent, userID)
	if err != nil {
		observability.WithTrace(ctx).Error("dispatch failed", "kind", out.Intent.Kind, "err", err)
		text := TextInternalError
		if res != nil {
			text = res.Text
		}
		return &Reply{Action: ActionExecuted, Status: StatusError, Text: text, Kind: out.Intent.Kind}
	}

	if res.Status == dispatch.StatusAwaitingConfirmation {
		return &Reply{
			Action:           ActionConfirm,
			Status:           StatusSuccess,
			Text:             res.Text,
			ConfirmationID:   res.ConfirmationID,
			ConfirmationText: res.Text,
			Kind:             res.Kind,
		}
	}
	return executedReply(res)
}

// Confirm resolves a pending confirmation. Dispatch errors are returned
// unchanged; use ErrorText to render them. On an execution failure both a
// reply and the error are returned.
func (a *Assistant) Confirm(ctx context.Context, req ConfirmRequest) (*Reply, error) {
	ctx, _ = trace.Ensure(ctx)

	res, err := a.dispatcher.Resolve(ctx, req.ID, req.Approved, req.UserID)
	if err != nil {
		if res != nil {
			reply := executedReply(res)
			reply.Status = StatusError
			a.saveMessage(ctx, Request{UserID: req.UserID, Interface: req.Interface}, store.RoleAssistant, reply.Text)
			return reply, err
		}
		return nil, err
	}

	reply := executedReply(res)
	a.saveMessage(ctx, Request{UserID: req.UserID, Interface: req.Interface}, store.RoleAssistant, reply.Text)
	if req.Approved {
		a.saveUsage(ctx, Request{UserID: req.UserID, Interface: req.Interface}, res.Kind, 0)
	}
	return reply, nil
}

// ConfirmUtterance resolves id from a free-form answer such as a voice
// transcript. An answer that is neither yes nor no leaves the record pending
// and asks again.
func (a *Assistant) ConfirmUtterance(ctx context.Context, id, utterance, userID, iface string) (*Reply, error) {
	switch confirmations.DetectAnswer(utterance) {
	case confirmations.AnswerYes:
		return a.Confirm(ctx, ConfirmRequest{ID: id, Approved: true, UserID: userID, Interface: iface})
	case confirmations.AnswerNo:
		return a.Confirm(ctx, ConfirmRequest{ID: id, Approved: false, UserID: userID, Interface: iface})
	default:
		observability.WithTrace(ctx).Info("confirmation answer not understood", "confirmation_id", id, "user_id", userID)
		return &Reply{
			Action:           ActionConfirm,
			Status:           StatusNeedsClarification,
			Text:             TextClarify,
			ConfirmationID:   id,
			ConfirmationText: TextClarifyPrompt,
		}, nil
	}
}

// ConfirmLatest resolves the user's most recent pending confirmation. It
// returns ErrNothingPending when there is none.
func (a *Assistant) ConfirmLatest(ctx context.Context, userID string, approved bool, iface string) (*Reply, error) {
	if a.pending == nil {
		return nil, ErrNothingPending
	}
	rec, err := a.pending.LatestPending(ctx, userID)
	if err != nil {
		if errors.Is(err, confirmations.ErrNotFound) {
			return nil, ErrNothingPending
		}
		return nil, err
	}
	return a.Confirm(ctx, ConfirmRequest{ID: rec.ID, Approved: approved, UserID: userID, Interface: iface})
}

// ErrorText renders an error from Confirm for the user.
func ErrorText(err error) string {
	switch {
	case errors.Is(err, ErrNothingPending):
		return TextNothingPending
	case errors.Is(err, dispatch.ErrUnknownConfirmation):
		return TextNotFound
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		return TextAlreadyResolved
	case errors.Is(err, dispatch.ErrIdentityMismatch):
		return TextNotYours
	case errors.Is(err, dispatch.ErrExecutionFailure):
		return dispatch.TextFailed
	default:
		return TextInternalError
	}
}

// Stats summarizes a user's usage over a period.
type Stats struct {
	Days        int
	Requests    int
	Tokens      int
	ByKind      map[string]int
	ByInterface map[string]int
	// TokensLeftToday is -1 when no budget is configured.
	TokensLeftToday int
}

// TopKinds returns the kinds ordered by count, most used first.
func (s *Stats) TopKinds() []string {
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if s.ByKind[kinds[i]] != s.ByKind[kinds[j]] {
			return s.ByKind[kinds[i]] > s.ByKind[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

// Stats aggregates userID's usage over the last days days.
func (a *Assistant) Stats(ctx context.Context, userID string, days int) (*Stats, error) {
	if days <= 0 {
		days = 7
	}
	st := &Stats{
		Days:            days,
		ByKind:          make(map[string]int),
		ByInterface:     make(map[string]int),
		TokensLeftToday: -1,
	}
	if a.budget != nil {
		st.TokensLeftToday = a.budget.Remaining(userID)
	}
	if a.history == nil {
		return st, nil
	}
	rows, err := a.history.UsageSince(ctx, userID, a.now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	for _, u := range rows {
		st.Requests++
		st.Tokens += u.TokensUsed
		st.ByKind[u.Kind]++
		st.ByInterface[u.Interface]++
	}
	return st, nil
}

func (a *Assistant) checkLimits(userID string) *Reply {
	text := ""
	switch {
	case a.limiter != nil && !a.limiter.Allow(userID):
		text = TextRateLimited
	case a.budget != nil && !a.budget.Allow(userID):
		text = TextBudgetExceeded
	default:
		return nil
	}
	if a.rejected != nil {
		a.rejected.Inc()
	}
	return &Reply{Action: ActionExecuted, Status: StatusRateLimited, Text: text}
}

func (a *Assistant) context(ctx context.Context, userID string) []llm.Message {
	if a.history == nil || a.historyLen <= 0 {
		return nil
	}
	msgs, err := a.history.RecentMessages(ctx, userID, a.historyLen)
	if err != nil {
		observability.WithTrace(ctx).Warn("failed to load history", "user_id", userID, "err", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

func (a *Assistant) saveMessage(ctx context.Context, req Request, role store.Role, content string) {
	if a.history == nil || content == "" {
		return
	}
	err := a.history.SaveMessage(ctx, store.Message{
		UserID:    req.UserID,
		Role:      role,
		Content:   content,
		Interface: req.Interface,
	})
	if err != nil {
		observability.WithTrace(ctx).Warn("failed to save message", "user_id", req.UserID, "err", err)
	}
}

func (a *Assistant) saveUsage(ctx context.Context, req Request, kind string, tokens int) {
	if a.history == nil {
		return
	}
	if kind == "" {
		kind = KindGeneral
	}
	err := a.history.SaveUsage(ctx, store.Usage{
		UserID:     req.UserID,
		Interface:  req.Interface,
		Kind:       kind,
		TokensUsed: tokens,
	})
	if err != nil {
		observability.WithTrace(ctx).Warn("failed to save usage", "user_id", req.UserID, "err", err)
	}
}

func executedReply(res *dispatch.Result) *Reply {
	status := StatusSuccess
	if res.Status == dispatch.StatusExecuted && !res.Success {
		status = StatusError
	}
	return &Reply{Action: ActionExecuted, Status: status, Text: res.Text, Kind: res.Kind}
}
