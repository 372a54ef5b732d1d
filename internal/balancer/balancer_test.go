package balancer

import (
	"testing"
	"time"

	"github.com/relaypool/relaypool/internal/model"
)

func acct(id string, tier model.Tier) *model.Account {
	return &model.Account{
		ID:       id,
		Name:     id,
		AuthType: model.AuthAPIKey,
		APIKey:   "k",
		Tier:     tier,
	}
}

func TestSelectDropsPaused(t *testing.T) {
	a := acct("a", model.TierLow)
	a.Paused = true
	b := New(5 * time.Hour)
	got := b.Select([]*model.Account{a}, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected no eligible accounts, got %d", len(got))
	}
}

func TestSelectDropsFutureRateLimit(t *testing.T) {
	a := acct("a", model.TierLow)
	future := time.Now().Add(time.Hour)
	a.RateLimitResetAt = &future
	b := New(5 * time.Hour)
	got := b.Select([]*model.Account{a}, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected rate-limited account excluded, got %d", len(got))
	}
}

func TestSelectAllowsPastRateLimit(t *testing.T) {
	a := acct("a", model.TierLow)
	past := time.Now().Add(-time.Hour)
	a.RateLimitResetAt = &past
	b := New(5 * time.Hour)
	got := b.Select([]*model.Account{a}, time.Now())
	if len(got) != 1 {
		t.Fatalf("expected past-reset account eligible, got %d", len(got))
	}
	if !b.ExpiredRateLimit(a, time.Now()) {
		t.Fatalf("expected ExpiredRateLimit true for past reset")
	}
}

func TestSelectDropsUnusableOAuth(t *testing.T) {
	a := &model.Account{ID: "a", Name: "a", AuthType: model.AuthOAuth}
	b := New(5 * time.Hour)
	got := b.Select([]*model.Account{a}, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected unusable oauth account excluded, got %d", len(got))
	}
}

func TestSessionLeaderPlacedFirst(t *testing.T) {
	leader := acct("leader", model.TierLow)
	now := time.Now()
	started := now.Add(-time.Hour)
	leader.SessionStart = &started

	other := acct("other", model.TierHigh)

	b := New(5 * time.Hour)
	got := b.Select([]*model.Account{other, leader}, now)
	if len(got) != 2 || got[0].ID != "leader" {
		t.Fatalf("expected leader first, got %+v", got)
	}
}

func TestSessionLeaderExpiresAtTTLBoundary(t *testing.T) {
	now := time.Now()
	b := New(5 * time.Hour)

	leader := acct("leader", model.TierLow)
	withinTTL := now.Add(-5*time.Hour + time.Millisecond)
	leader.SessionStart = &withinTTL
	if !b.isSessionLeader(leader, now) {
		t.Fatalf("expected still sticky just inside TTL")
	}

	leader2 := acct("leader2", model.TierLow)
	pastTTL := now.Add(-5*time.Hour - time.Millisecond)
	leader2.SessionStart = &pastTTL
	if b.isSessionLeader(leader2, now) {
		t.Fatalf("expected not sticky just past TTL")
	}
}

func TestWeightedOrderFavorsHigherTier(t *testing.T) {
	low := acct("low", model.TierLow)
	low.TotalRequests = 0
	high := acct("high", model.TierHigh)
	high.TotalRequests = 0

	b := New(5 * time.Hour)

	selections := map[string]int{}
	for i := 0; i < 10000; i++ {
		order := b.Select([]*model.Account{low, high}, time.Now())
		picked := order[0]
		selections[picked.ID]++
		picked.TotalRequests++
	}

	ratio := float64(selections["high"]) / float64(selections["low"])
	if ratio < 17 || ratio > 23 {
		t.Fatalf("expected tier-20 to receive ~20x traffic of tier-1, got ratio %.2f (low=%d high=%d)",
			ratio, selections["low"], selections["high"])
	}
}
