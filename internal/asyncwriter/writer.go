// Package asyncwriter is the single-consumer batched write queue that
// absorbs all account-store mutations off the request path.
package asyncwriter

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/model"
)

const (
	defaultHighWaterMark = 4096
	criticalRetryDelay   = 1 * time.Second
)

var backoffSchedule = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}

// Op is one queued mutation. Critical ops (token rotations) are retried
// indefinitely on failure rather than dropped after the batch retry budget.
type Op interface {
	Apply(ctx context.Context, b *accountstore.Batch) error
	Critical() bool
}

// CoalescableOp additionally reports a coalescing key; ops sharing a key are
// merged within one flush window rather than applied individually.
type CoalescableOp interface {
	Op
	CoalesceKey() string
	MergeInto(other CoalescableOp)
}

// Writer is the async writer described in SPEC_FULL.md §4.3.
type Writer struct {
	store *accountstore.SQLiteStore

	queue chan Op

	flushInterval time.Duration
	batchSize     int
	grace         time.Duration
}

// New builds a Writer. Call Run to start consuming.
func New(store *accountstore.SQLiteStore, flushInterval time.Duration, batchSize int, grace time.Duration) *Writer {
	return &Writer{
		store:         store,
		queue:         make(chan Op, defaultHighWaterMark),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		grace:         grace,
	}
}

// Enqueue queues op without blocking. Only a CoalescableOp may degrade under
// saturation: it is dropped, and its increment is lost rather than merged
// into another op. Every other op — rate-limit marks, token rotations,
// session-leader updates, usage-record inserts — must still reach the queue,
// so delivery is handed to a goroutine that waits for room.
func (w *Writer) Enqueue(op Op) {
	select {
	case w.queue <- op:
		return
	default:
	}

	// Queue is full. Give it one more tiny grace window before deciding
	// whether op is allowed to degrade.
	select {
	case w.queue <- op:
	case <-time.After(time.Millisecond):
		if c, ok := op.(CoalescableOp); ok {
			slog.Warn("async writer queue full, dropping coalescable op", "key", c.CoalesceKey())
			return
		}
		go func() {
			select {
			case w.queue <- op:
			case <-time.After(time.Second):
				slog.Error("async writer queue saturated, op delayed beyond budget", "critical", op.Critical())
				w.queue <- op
			}
		}()
	}
}

// Name identifies this worker to the runner.
func (w *Writer) Name() string { return "async_writer" }

// Run consumes the queue until ctx is cancelled, then drains within the
// configured grace window.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	buf := make([]Op, 0, w.batchSize)

	for {
		select {
		case op := <-w.queue:
			buf = appendCoalesced(buf, op)
			if len(buf) >= w.batchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

// appendCoalesced merges op into an existing coalescable entry in buf when
// one shares its key, else appends it.
func appendCoalesced(buf []Op, op Op) []Op {
	if c, ok := op.(CoalescableOp); ok {
		for _, existing := range buf {
			if ec, ok := existing.(CoalescableOp); ok && ec.CoalesceKey() == c.CoalesceKey() {
				ec.MergeInto(c)
				return buf
			}
		}
	}
	return append(buf, op)
}

func (w *Writer) drain(buf []Op) {
	ctx, cancel := context.WithTimeout(context.Background(), w.grace)
	defer cancel()

	for {
		select {
		case op := <-w.queue:
			buf = appendCoalesced(buf, op)
			if len(buf) >= w.batchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

// flush commits buf as one transaction, retrying transient failures with
// backoff. Critical ops within a failed batch are then retried one by one in
// a background goroutine, indefinitely at a 1 s cadence, rather than dropped.
func (w *Writer) flush(ctx context.Context, buf []Op) {
	batch := make([]Op, len(buf))
	copy(batch, buf)

	var lastErr error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			time.Sleep(backoffSchedule[attempt-1])
		}
		if err := w.applyBatch(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		return
	}

	slog.Error("async writer batch failed after retries", "count", len(batch), "error", lastErr)
	for _, op := range batch {
		if op.Critical() {
			w.retryCriticalForever(op)
		}
	}
}

func (w *Writer) applyBatch(ctx context.Context, batch []Op) error {
	b, err := w.store.BeginBatch(ctx)
	if err != nil {
		return err
	}
	for _, op := range batch {
		if err := op.Apply(ctx, b); err != nil {
			b.Rollback()
			return err
		}
	}
	return b.Commit()
}

func (w *Writer) retryCriticalForever(op Op) {
	go func() {
		for {
			time.Sleep(criticalRetryDelay)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := w.applyBatch(ctx, []Op{op})
			cancel()
			if err == nil {
				return
			}
			slog.Error("critical async op still failing, retrying", "error", err)
		}
	}()
}

// --- concrete ops ---

// UpdateTokensOp rotates an account's access/refresh token. Always critical.
type UpdateTokensOp struct {
	AccountID    string
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

func (o *UpdateTokensOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.UpdateTokens(ctx, o.AccountID, o.AccessToken, o.ExpiresAt, o.RefreshToken)
}
func (o *UpdateTokensOp) Critical() bool { return true }

// MarkRateLimitedOp records a rate-limit reset time. Never coalesces.
type MarkRateLimitedOp struct {
	AccountID string
	ResetAt   time.Time
}

func (o *MarkRateLimitedOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.MarkRateLimited(ctx, o.AccountID, o.ResetAt)
}
func (o *MarkRateLimitedOp) Critical() bool { return false }

// UpdateRateLimitMetaOp records the last-seen rate-limit signal.
type UpdateRateLimitMetaOp struct {
	AccountID string
	StatusTag string
	ResetAt   *time.Time
	Remaining *int
}

func (o *UpdateRateLimitMetaOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.UpdateRateLimitMeta(ctx, o.AccountID, o.StatusTag, o.ResetAt, o.Remaining)
}
func (o *UpdateRateLimitMetaOp) Critical() bool { return false }

// ClearRateLimitOp lazily clears an expired rate-limit mark. ResetCount
// additionally zeroes request_count, gated by RATE_LIMIT_RESET_CLEARS_COUNT.
type ClearRateLimitOp struct {
	AccountID  string
	ResetCount bool
}

func (o *ClearRateLimitOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.ClearRateLimit(ctx, o.AccountID, o.ResetCount)
}
func (o *ClearRateLimitOp) Critical() bool { return false }

// UpdateTierHintOp applies a tier change detected by extract_tier_info.
type UpdateTierHintOp struct {
	AccountID string
	Tier      model.Tier
}

func (o *UpdateTierHintOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.UpdateTierHint(ctx, o.AccountID, o.Tier)
}
func (o *UpdateTierHintOp) Critical() bool { return false }

// IncrementUsageOp is a +1 usage counter bump. Coalescable: N of these for
// the same account within one flush window collapse to a single +=N.
type IncrementUsageOp struct {
	AccountID string
	n         int
}

func NewIncrementUsageOp(accountID string) *IncrementUsageOp {
	return &IncrementUsageOp{AccountID: accountID, n: 1}
}

func (o *IncrementUsageOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.IncrementUsageBy(ctx, o.AccountID, o.n)
}
func (o *IncrementUsageOp) Critical() bool       { return false }
func (o *IncrementUsageOp) CoalesceKey() string  { return "usage:" + o.AccountID }
func (o *IncrementUsageOp) MergeInto(other CoalescableOp) {
	if inc, ok := other.(*IncrementUsageOp); ok {
		o.n += inc.n
	}
}

// SetSessionLeaderOp marks an account as the (possibly continuing) session
// leader for one successful request. Not coalescable: each success bumps
// session_request_count by exactly one, independent of the usage counters
// IncrementUsageOp tracks in the same flush.
type SetSessionLeaderOp struct {
	AccountID    string
	SessionStart time.Time
}

func (o *SetSessionLeaderOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.SetSessionLeader(ctx, o.AccountID, o.SessionStart)
}
func (o *SetSessionLeaderOp) Critical() bool { return false }

// InsertUsageRecordOp persists a completed request's accounting row.
type InsertUsageRecordOp struct {
	Record *model.UsageRecord
}

func (o *InsertUsageRecordOp) Apply(ctx context.Context, b *accountstore.Batch) error {
	return b.InsertUsageRecord(ctx, o.Record)
}
func (o *InsertUsageRecordOp) Critical() bool { return false }
