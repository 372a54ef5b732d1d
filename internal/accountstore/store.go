// Package accountstore is the typed façade over the embedded account and
// usage-record tables. All mutations outside of account creation/admin edits
// flow through the async writer; this package exposes the underlying SQL
// operations that the writer and the admin surface call directly.
package accountstore

import (
	"context"
	"time"

	"github.com/relaypool/relaypool/internal/model"
)

// Store is the full set of strongly-typed operations over the accounts and
// usage_records tables.
type Store interface {
	// Reads. May be stale by up to one async-writer flush interval.
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	Ping(ctx context.Context) error

	// Account lifecycle, applied directly (not queued) by the admin surface
	// and account provisioning.
	InsertAccount(ctx context.Context, a *model.Account) error
	DeleteAccount(ctx context.Context, name string) error
	SetPaused(ctx context.Context, id string, paused bool) error
	SetTier(ctx context.Context, id string, tier model.Tier) error
	Rename(ctx context.Context, id, name string) error
	SetRateLimitOverride(ctx context.Context, id string, override *model.RateLimitOverride) error

	// Token, rate-limit, session and tier mutations, each run as a standalone
	// statement. The async writer applies its own versions of these through
	// Batch, in enqueue order, inside one transaction per batch.
	UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, refreshToken string) error
	MarkRateLimited(ctx context.Context, id string, resetAt time.Time) error
	ClearRateLimit(ctx context.Context, id string, resetCount bool) error
	UpdateRateLimitMeta(ctx context.Context, id string, statusTag string, resetAt *time.Time, remaining *int) error
	SetSessionLeader(ctx context.Context, id string, sessionStart time.Time) error
	UpdateTierHint(ctx context.Context, id string, tier model.Tier) error

	InsertUsageRecord(ctx context.Context, r *model.UsageRecord) error
	ListUsageRecords(ctx context.Context, limit, offset int) ([]*model.UsageRecord, error)

	Close() error
}
