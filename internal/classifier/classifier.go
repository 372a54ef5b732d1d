// Package classifier inspects an upstream response and decides whether the
// pipeline should treat it as success or failover, per SPEC_FULL.md §4.7.
package classifier

import (
	"net/http"

	"github.com/relaypool/relaypool/internal/asyncwriter"
	"github.com/relaypool/relaypool/internal/model"
	"github.com/relaypool/relaypool/internal/provider"
)

// Outcome is the three-way decision of §4.7.
type Outcome int

const (
	Success Outcome = iota
	FailoverRateLimit
	FailoverNonSuccess
)

// Result carries the decision plus any ops the caller should enqueue.
type Result struct {
	Outcome Outcome
	Ops     []asyncwriter.Op
}

// Classify implements the classifier contract. It never mutates the account
// store directly; it returns the ops for the caller to enqueue to the async
// writer, keeping the classifier itself synchronous and allocation-light on
// the hot path.
func Classify(p provider.Provider, resp *http.Response, account *model.Account) Result {
	signal := p.ParseRateLimit(resp)

	if signal.IsRateLimited && signal.ResetAt != nil {
		return Result{
			Outcome: FailoverRateLimit,
			Ops: []asyncwriter.Op{
				&asyncwriter.MarkRateLimitedOp{AccountID: account.ID, ResetAt: *signal.ResetAt},
				&asyncwriter.UpdateRateLimitMetaOp{
					AccountID: account.ID,
					StatusTag: signal.StatusTag,
					ResetAt:   signal.ResetAt,
					Remaining: signal.Remaining,
				},
			},
		}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: FailoverNonSuccess}
	}

	ops := []asyncwriter.Op{asyncwriter.NewIncrementUsageOp(account.ID)}
	if signal.StatusTag != "" {
		ops = append(ops, &asyncwriter.UpdateRateLimitMetaOp{
			AccountID: account.ID,
			StatusTag: signal.StatusTag,
			ResetAt:   signal.ResetAt,
			Remaining: signal.Remaining,
		})
	}

	return Result{Outcome: Success, Ops: ops}
}

// ClassifyWithTierHint additionally consults extract_tier_info on a cloned
// response body, appending a tier-update op when the upstream signaled a
// change. Called only on the success path, after the body has been fully
// buffered for non-streaming responses.
func ClassifyWithTierHint(p provider.Provider, resp *http.Response, account *model.Account, body []byte, result *Result) {
	if result.Outcome != Success {
		return
	}
	if tier, ok := p.ExtractTierInfo(resp, body); ok && tier != account.Tier {
		result.Ops = append(result.Ops, &asyncwriter.UpdateTierHintOp{AccountID: account.ID, Tier: tier})
	}
}
