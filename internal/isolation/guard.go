// Package isolation enforces session and agent data boundaries. The check is
// independent of tool permission and risk: a fully permitted tool can still
// be denied at the data-reference level.
package isolation

import (
	"fmt"
	"regexp"

	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

// Guard checks data-access operations against an IsolationPolicy. Patterns
// are compiled once at construction; an invalid pattern fails construction,
// never enforcement.
type Guard struct {
	pol     *policy.IsolationPolicy
	blocked []*regexp.Regexp
	shared  map[string]struct{}
}

// NewGuard compiles the policy's blocked data patterns.
func NewGuard(pol *policy.IsolationPolicy) (*Guard, error) {
	g := &Guard{
		pol:    pol,
		shared: make(map[string]struct{}, len(pol.AllowedSharedKeys)),
	}
	for _, p := range pol.BlockedDataPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("isolation: blocked data pattern %q: %w", p, err)
		}
		g.blocked = append(g.blocked, re)
	}
	for _, k := range pol.AllowedSharedKeys {
		g.shared[k] = struct{}{}
	}
	return g, nil
}

// CheckAccess decides whether ctx may perform op on ref. Blocked patterns
// are checked first so a sensitive key is denied even within its own
// session.
func (g *Guard) CheckAccess(ref model.DataRef, op string, ctx model.AccessContext) model.AccessResult {
	for _, re := range g.blocked {
		if re.MatchString(ref.Key) {
			return model.AccessResult{
				Reason: fmt.Sprintf("data key %q matches blocked pattern %q", ref.Key, re.String()),
			}
		}
	}

	if g.pol.EnforceSessionIsolation && g.pol.CrossSessionAccessMode == "deny" {
		if ref.SessionID != "" && ctx.SessionID != "" && ref.SessionID != ctx.SessionID {
			if _, ok := g.shared[ref.Key]; !ok {
				return model.AccessResult{
					Reason: fmt.Sprintf("%s of data owned by session %q denied from session %q",
						op, ref.SessionID, ctx.SessionID),
				}
			}
		}
	}

	return model.AccessResult{Allowed: true, Reason: fmt.Sprintf("%s of %q permitted", op, ref.Key)}
}
