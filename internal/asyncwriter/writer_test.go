package asyncwriter

import (
	"context"
	"testing"
	"time"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/crypto"
	"github.com/relaypool/relaypool/internal/model"
)

func openTestStore(t *testing.T) *accountstore.SQLiteStore {
	t.Helper()
	store, err := accountstore.Open(":memory:", crypto.New("test-passphrase"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendCoalescedMergesSameKey(t *testing.T) {
	var buf []Op
	buf = appendCoalesced(buf, NewIncrementUsageOp("acc-1"))
	buf = appendCoalesced(buf, NewIncrementUsageOp("acc-1"))
	buf = appendCoalesced(buf, NewIncrementUsageOp("acc-2"))

	if len(buf) != 2 {
		t.Fatalf("expected 2 distinct coalesce keys, got %d", len(buf))
	}
	merged, ok := buf[0].(*IncrementUsageOp)
	if !ok || merged.AccountID != "acc-1" || merged.n != 2 {
		t.Fatalf("expected acc-1 merged to n=2, got %+v", buf[0])
	}
}

func TestAppendCoalescedDoesNotMergeNonCoalescableOps(t *testing.T) {
	var buf []Op
	buf = appendCoalesced(buf, &MarkRateLimitedOp{AccountID: "acc-1"})
	buf = appendCoalesced(buf, &MarkRateLimitedOp{AccountID: "acc-1"})

	if len(buf) != 2 {
		t.Fatalf("expected both non-coalescable ops kept distinct, got %d", len(buf))
	}
}

func TestFlushPersistsAllQueuedOpKinds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	account := &model.Account{ID: "acc-1", Name: "a1", AuthType: model.AuthAPIKey, APIKey: "k"}
	if err := store.InsertAccount(ctx, account); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	w := New(store, 10*time.Millisecond, 10, time.Second)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(runCtx)

	resetAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	sessionStart := time.Now().Truncate(time.Millisecond)

	w.Enqueue(NewIncrementUsageOp("acc-1"))
	w.Enqueue(&MarkRateLimitedOp{AccountID: "acc-1", ResetAt: resetAt})
	w.Enqueue(&SetSessionLeaderOp{AccountID: "acc-1", SessionStart: sessionStart})
	w.Enqueue(&InsertUsageRecordOp{Record: &model.UsageRecord{
		RequestID: "req-1", AccountID: "acc-1", Path: "/v1/messages", Method: "POST",
		Status: 200, Timestamp: time.Now(), Attempts: 1,
	}})

	time.Sleep(150 * time.Millisecond)

	got, err := store.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.TotalRequests != 1 {
		t.Fatalf("expected total_requests 1, got %d", got.TotalRequests)
	}
	if got.RateLimitResetAt == nil || !got.RateLimitResetAt.Equal(resetAt) {
		t.Fatalf("expected rate_limit_reset_at to be set, got %+v", got.RateLimitResetAt)
	}
	if got.SessionStart == nil || !got.SessionStart.Equal(sessionStart) {
		t.Fatalf("expected session_start to be set, got %+v", got.SessionStart)
	}
	if got.SessionRequestCount != 1 {
		t.Fatalf("expected session_request_count 1, got %d", got.SessionRequestCount)
	}

	records, err := store.ListUsageRecords(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list usage records: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "req-1" {
		t.Fatalf("expected one usage record, got %+v", records)
	}
}

// TestEnqueueNeverDropsNonCoalescableOpUnderSaturation saturates the queue
// with coalescable ops (which collapse to a single coalesce key and so never
// actually fill the channel on drain), then confirms a non-coalescable op
// enqueued while the channel is full still lands once the consumer starts
// draining, instead of being dropped per the §4.3 guaranteed-delivery rule.
func TestEnqueueNeverDropsNonCoalescableOpUnderSaturation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	account := &model.Account{ID: "acc-1", Name: "a1", AuthType: model.AuthAPIKey, APIKey: "k"}
	if err := store.InsertAccount(ctx, account); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	w := New(store, 10*time.Millisecond, 10, time.Second)

	for i := 0; i < cap(w.queue); i++ {
		w.Enqueue(NewIncrementUsageOp("acc-1"))
	}

	resetAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	w.Enqueue(&MarkRateLimitedOp{AccountID: "acc-1", ResetAt: resetAt})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetAccount(ctx, "acc-1")
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if got.RateLimitResetAt != nil && got.RateLimitResetAt.Equal(resetAt) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the rate-limit mark to eventually land despite queue saturation")
}
