package dispatch

import (
	"fmt"
	"strings"

	"github.com/bdobrica/Hisho/internal/hisho/action"
)

// Policy decides per action kind whether the user must confirm first.
type Policy interface {
	RequiresConfirmation(kind string) bool
}

// StaticPolicy requires confirmation for exactly the kinds in the set.
type StaticPolicy map[string]struct{}

// NewStaticPolicy returns a policy gating kinds.
func NewStaticPolicy(kinds ...string) StaticPolicy {
	p := make(StaticPolicy, len(kinds))
	for _, k := range kinds {
		p[k] = struct{}{}
	}
	return p
}

// DefaultPolicy gates every action that writes to an external system.
func DefaultPolicy() StaticPolicy {
	return NewStaticPolicy(
		action.KindAddCalendarEvent,
		action.KindAddTask,
		action.KindAddShoppingItem,
		action.KindCreateNote,
	)
}

// RequiresConfirmation implements Policy.
func (p StaticPolicy) RequiresConfirmation(kind string) bool {
	_, ok := p[kind]
	return ok
}

// IdentityMode selects how Resolve checks the caller against the owner.
type IdentityMode string

const (
	// IdentityStrict requires the caller to own the record.
	IdentityStrict IdentityMode = "strict"
	// IdentityTrustAnonymous additionally lets the anonymous API user
	// resolve any record. Authenticated REST clients that send no user id
	// fall into this case.
	IdentityTrustAnonymous IdentityMode = "trust-anonymous"
)

// ParseIdentityMode validates a config value.
func ParseIdentityMode(s string) (IdentityMode, error) {
	switch IdentityMode(strings.ToLower(strings.TrimSpace(s))) {
	case IdentityStrict:
		return IdentityStrict, nil
	case IdentityTrustAnonymous, "":
		return IdentityTrustAnonymous, nil
	default:
		return "", fmt.Errorf("unknown identity check %q (want strict or trust-anonymous)", s)
	}
}

// IdentityPolicy checks that the caller may resolve a record.
type IdentityPolicy struct {
	Mode          IdentityMode
	AnonymousUser string
}

// Allows reports whether caller may resolve a record owned by owner.
func (p IdentityPolicy) Allows(owner, caller string) bool {
	if owner == caller {
		return true
	}
	return p.Mode == IdentityTrustAnonymous && p.AnonymousUser != "" && caller == p.AnonymousUser
}
