// Package balancer implements session-sticky, tier-weighted account
// selection.
package balancer

import (
	"sort"
	"time"

	"github.com/relaypool/relaypool/internal/model"
)

// Balancer selects an ordered candidate list of accounts for a request.
type Balancer struct {
	sessionTTL time.Duration
}

// New builds a Balancer with the given session stickiness window.
func New(sessionTTL time.Duration) *Balancer {
	return &Balancer{sessionTTL: sessionTTL}
}

// Select implements the eligibility filter, session-leader placement, and
// tier-weighted ordering of SPEC_FULL.md §4.5.
func (b *Balancer) Select(accounts []*model.Account, now time.Time) []*model.Account {
	eligible := make([]*model.Account, 0, len(accounts))
	for _, a := range accounts {
		if b.eligible(a, now) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	var leader *model.Account
	rest := make([]*model.Account, 0, len(eligible))
	for _, a := range eligible {
		if leader == nil && b.isSessionLeader(a, now) {
			leader = a
			continue
		}
		rest = append(rest, a)
	}

	ordered := weightedOrder(rest)

	if leader != nil {
		return append([]*model.Account{leader}, ordered...)
	}
	return ordered
}

// eligible applies the three-step filter of §4.5. It does not mutate a; the
// caller (pipeline orchestrator) enqueues a ClearRateLimitOp when this
// returns true for an account whose rate_limit_reset_at is in the past,
// since reads must not write.
func (b *Balancer) eligible(a *model.Account, now time.Time) bool {
	if a.Paused {
		return false
	}
	if a.RateLimitResetAt != nil && a.RateLimitResetAt.After(now) {
		return false
	}
	if a.IsOAuthUnusable() {
		return false
	}
	return true
}

// ExpiredRateLimit reports whether a's rate-limit mark is stale and should be
// lazily cleared, mirroring the eligibility filter's own reasoning so callers
// can enqueue the clear alongside selection.
func (b *Balancer) ExpiredRateLimit(a *model.Account, now time.Time) bool {
	return a.RateLimitResetAt != nil && !a.RateLimitResetAt.After(now)
}

func (b *Balancer) isSessionLeader(a *model.Account, now time.Time) bool {
	if a.SessionStart == nil {
		return false
	}
	return now.Sub(*a.SessionStart) < b.sessionTTL
}

// weightedOrder sorts accounts by virtual queue depth ceil(cursor/tier),
// ascending, with least-recently-used as the tiebreak, realizing tier-N
// accounts receiving roughly N times the traffic of tier-1 accounts.
func weightedOrder(accounts []*model.Account) []*model.Account {
	type scored struct {
		account *model.Account
		depth   int
		lru     time.Time
	}

	scoredAccounts := make([]scored, len(accounts))
	for i, a := range accounts {
		cursor := a.TotalRequests + 1
		depth := ceilDiv(cursor, int(a.Tier))
		lru := lastUsed(a)
		scoredAccounts[i] = scored{account: a, depth: depth, lru: lru}
	}

	sort.SliceStable(scoredAccounts, func(i, j int) bool {
		if scoredAccounts[i].depth != scoredAccounts[j].depth {
			return scoredAccounts[i].depth < scoredAccounts[j].depth
		}
		return scoredAccounts[i].lru.Before(scoredAccounts[j].lru)
	})

	out := make([]*model.Account, len(scoredAccounts))
	for i, s := range scoredAccounts {
		out[i] = s.account
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		b = 1
	}
	return (a + b - 1) / b
}

func lastUsed(a *model.Account) time.Time {
	if a.SessionStart != nil {
		return *a.SessionStart
	}
	return time.Unix(0, 0)
}
