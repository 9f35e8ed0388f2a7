package limits

import (
	"sync"
	"time"
)

// DefaultTokenBudget is the daily per-user token allowance when none is
// configured.
const DefaultTokenBudget = 200_000

// TokenBudget enforces a per-user daily token budget. Counters reset at
// midnight UTC.
//
// Callers check Allow before calling the model and RecordUsage afterwards.
// TokenBudget is safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	now    func() time.Time
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time
}

// NewTokenBudget returns a TokenBudget of dailyBudget tokens per user. A
// non-positive value takes DefaultTokenBudget.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultTokenBudget
	}
	return &TokenBudget{
		budget: dailyBudget,
		now:    time.Now,
		usage:  make(map[string]*dailyUsage),
	}
}

// Budget returns the configured daily limit.
func (tb *TokenBudget) Budget() int { return tb.budget }

// Allow reports whether userID still has budget left today. It consumes
// nothing.
func (tb *TokenBudget) Allow(userID string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(userID)
	return u == nil || u.tokens < tb.budget
}

// RecordUsage adds tokens to userID's total for today.
func (tb *TokenBudget) RecordUsage(userID string, tokens int) {
	if tokens <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(userID)
	if u == nil {
		u = &dailyUsage{resetAt: nextMidnightUTC(tb.now())}
		tb.usage[userID] = u
	}
	u.tokens += tokens
}

// Remaining returns the tokens userID may still use today.
func (tb *TokenBudget) Remaining(userID string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	u := tb.current(userID)
	if u == nil {
		return tb.budget
	}
	if rem := tb.budget - u.tokens; rem > 0 {
		return rem
	}
	return 0
}

// Used returns the tokens userID has consumed today.
func (tb *TokenBudget) Used(userID string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if u := tb.current(userID); u != nil {
		return u.tokens
	}
	return 0
}

// Prune drops counters from previous days and returns how many it removed.
func (tb *TokenBudget) Prune() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for id := range tb.usage {
		if tb.current(id) == nil {
			n++
		}
	}
	return n
}

// current drops the entry once the day has rolled over. Must be called with
// tb.mu held.
func (tb *TokenBudget) current(userID string) *dailyUsage {
	u := tb.usage[userID]
	if u != nil && !tb.now().UTC().Before(u.resetAt) {
		delete(tb.usage, userID)
		return nil
	}
	return u
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
