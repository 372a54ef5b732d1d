// Package pipeline implements the top-level per-request state machine:
// receive, select candidates, loop attempts, emit response, enqueue usage
// record, per SPEC_FULL.md §4.9.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/asyncwriter"
	"github.com/relaypool/relaypool/internal/balancer"
	"github.com/relaypool/relaypool/internal/classifier"
	"github.com/relaypool/relaypool/internal/errs"
	"github.com/relaypool/relaypool/internal/forwarder"
	"github.com/relaypool/relaypool/internal/model"
	"github.com/relaypool/relaypool/internal/provider"
	"github.com/relaypool/relaypool/internal/sessioncache"
	"github.com/relaypool/relaypool/internal/tee"
	"github.com/relaypool/relaypool/internal/tokenmgr"
)

// ClientProvider supplies the egress *http.Client for an account. Satisfied
// by *transport.Manager in production; fakeable in tests without pulling in
// utls/HTTP2 dialing.
type ClientProvider interface {
	GetClient(a *model.Account) *http.Client
}

// Orchestrator wires every component into the request-serving pipeline.
type Orchestrator struct {
	Store     accountstore.Store
	Writer    *asyncwriter.Writer
	Balancer  *balancer.Balancer
	Tokens    *tokenmgr.Manager
	Forwarder *forwarder.Forwarder
	Transport ClientProvider
	Provider  provider.Provider
	Sessions  sessioncache.Cache

	TeeBufferBytes            int
	MaxRetryAccounts          int
	BufferThreshold           int64
	SessionTTL                time.Duration
	RateLimitResetClearsCount bool
}

// ServeHTTP implements the full orchestrator state machine for one inbound
// request.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	meta := model.RequestMeta{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}

	began := time.Now()

	body, bodyReader, buffered := o.bufferOrStream(r)

	accounts, err := o.Store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, `{"error":{"type":"internal_error"}}`, http.StatusInternalServerError)
		return
	}

	o.applySessionCache(r.Context(), accounts)
	candidates := o.Balancer.Select(accounts, time.Now())
	o.clearExpiredRateLimits(r.Context(), accounts)

	if len(candidates) == 0 {
		o.passThroughUnauthenticated(w, r, meta, began, body, bodyReader, buffered)
		return
	}

	var attempts []model.AttemptRecord
	var lastResp *http.Response

	for i := 0; i < len(candidates) && i < o.MaxRetryAccounts; i++ {
		account := candidates[i]

		attemptBegan := time.Now()

		if !buffered && i > 0 {
			// Body already consumed on first attempt with no replay source.
			o.finalizeFailed(r.Context(), meta, attempts, http.StatusBadGateway)
			writeSyntheticError(w, "upstream_unavailable", "request body could not be replayed for failover")
			return
		}

		token, terr := o.Tokens.GetValidAccessToken(r.Context(), account)
		if terr != nil {
			attempts = append(attempts, model.AttemptRecord{
				AccountID: account.ID, BeganAt: attemptBegan, EndedAt: time.Now(),
				FailoverReason: model.FailoverNonSuccess,
			})
			continue
		}

		req := o.buildForwardRequest(r, account, token, body, bodyReader, buffered)

		resp, ferr := o.Forwarder.Forward(r.Context(), o.Transport.GetClient(account), req)
		if ferr != nil {
			var disconnect *errs.ClientDisconnect
			if errors.As(ferr, &disconnect) {
				return
			}
			attempts = append(attempts, model.AttemptRecord{
				AccountID: account.ID, BeganAt: attemptBegan, EndedAt: time.Now(),
				FailoverReason: model.FailoverNonSuccess,
			})
			continue
		}

		result := classifier.Classify(o.Provider, resp, account)
		for _, op := range result.Ops {
			o.Writer.Enqueue(op)
		}

		if result.Outcome != classifier.Success {
			attempts = append(attempts, model.AttemptRecord{
				AccountID: account.ID, Status: resp.StatusCode, BeganAt: attemptBegan, EndedAt: time.Now(),
				FailoverReason: failoverReason(result.Outcome),
			})
			// Keep the failed body so it can still be surfaced verbatim if
			// this turns out to be the last attempt.
			lastBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(lastBody))
			lastResp = resp
			continue
		}

		// SUCCESS: commit to streaming/forwarding this response to the client.
		attempts = append(attempts, model.AttemptRecord{
			AccountID: account.ID, Status: resp.StatusCode, BeganAt: attemptBegan, EndedAt: time.Now(),
		})
		o.markSessionLeader(r.Context(), account)
		o.emitSuccess(w, r, resp, account, meta, began, attempts)
		return
	}

	// All candidates exhausted.
	if lastResp != nil {
		o.finalizeFailed(r.Context(), meta, attempts, lastResp.StatusCode)
		forwardVerbatim(w, lastResp)
		return
	}
	o.finalizeFailed(r.Context(), meta, attempts, http.StatusBadGateway)
	writeSyntheticError(w, "upstream_unavailable", "no account produced a usable response")
}

func failoverReason(outcome classifier.Outcome) model.FailoverReason {
	if outcome == classifier.FailoverRateLimit {
		return model.FailoverRateLimit
	}
	return model.FailoverNonSuccess
}

// bufferOrStream implements the forwarder's buffer-vs-stream threshold at
// the orchestrator boundary, since replayability across failover attempts is
// an orchestrator-level concern, not a forwarder one.
func (o *Orchestrator) bufferOrStream(r *http.Request) (buf []byte, stream io.Reader, buffered bool) {
	if r.Body == nil {
		return nil, nil, true
	}
	if r.ContentLength >= 0 && r.ContentLength <= o.BufferThreshold {
		data, err := io.ReadAll(io.LimitReader(r.Body, o.BufferThreshold+1))
		if err == nil {
			return data, nil, true
		}
	}
	return nil, r.Body, false
}

func (o *Orchestrator) buildForwardRequest(r *http.Request, account *model.Account, token string, body []byte, bodyReader io.Reader, buffered bool) forwarder.Request {
	creds := provider.Credentials{}
	if account.AuthType == model.AuthOAuth {
		creds.AccessToken = token
	} else {
		creds.APIKey = token
	}

	headers := o.Provider.PrepareHeaders(r.Header, creds)

	u, _ := o.Provider.BuildURL(account.BaseURL, r.URL.Path, r.URL.RawQuery)

	return forwarder.Request{
		Method:   r.Method,
		URL:      u.String(),
		Headers:  headers,
		Body:     body,
		BodyR:    bodyReader,
		Buffered: buffered,
	}
}

func (o *Orchestrator) clearExpiredRateLimits(ctx context.Context, accounts []*model.Account) {
	now := time.Now()
	for _, a := range accounts {
		if o.Balancer.ExpiredRateLimit(a, now) {
			o.Writer.Enqueue(&asyncwriter.ClearRateLimitOp{AccountID: a.ID, ResetCount: o.RateLimitResetClearsCount})
		}
	}
}

// applySessionCache overlays each account's session_start with the fresher
// value held in the ephemeral session cache, since the durable row can lag
// by up to one async-writer flush interval.
func (o *Orchestrator) applySessionCache(ctx context.Context, accounts []*model.Account) {
	if o.Sessions == nil {
		return
	}
	for _, a := range accounts {
		v, ok := o.Sessions.Get(ctx, a.ID)
		if !ok {
			continue
		}
		start, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		a.SessionStart = &start
	}
}

// markSessionLeader records a successful request against account as the
// (possibly continuing) session leader: session_start is only ever set once
// per session window, never refreshed on reuse.
func (o *Orchestrator) markSessionLeader(ctx context.Context, account *model.Account) {
	if account.SessionStart == nil {
		now := time.Now()
		account.SessionStart = &now
		if o.Sessions != nil {
			o.Sessions.Set(ctx, account.ID, now.Format(time.RFC3339Nano), o.SessionTTL)
		}
	}
	o.Writer.Enqueue(&asyncwriter.SetSessionLeaderOp{AccountID: account.ID, SessionStart: *account.SessionStart})
}

func (o *Orchestrator) passThroughUnauthenticated(w http.ResponseWriter, r *http.Request, meta model.RequestMeta, began time.Time, body []byte, bodyReader io.Reader, buffered bool) {
	u, _ := o.Provider.BuildURL("", r.URL.Path, r.URL.RawQuery)
	headers := provider.FilterHeaders(r.Header)

	req := forwarder.Request{Method: r.Method, URL: u.String(), Headers: headers, Body: body, BodyR: bodyReader, Buffered: buffered}

	resp, err := o.Forwarder.Forward(r.Context(), http.DefaultClient, req)
	if err != nil {
		o.finalizeUsage(r.Context(), model.UsageRecord{
			RequestID: meta.ID, Path: meta.Path, Method: meta.Method, Status: http.StatusBadGateway,
			Timestamp: began, DurationMS: time.Since(began).Milliseconds(), Attempts: 1,
		})
		writeSyntheticError(w, "upstream_unavailable", "unauthenticated pass-through failed")
		return
	}
	defer resp.Body.Close()

	forwardVerbatim(w, resp)

	o.finalizeUsage(r.Context(), model.UsageRecord{
		RequestID: meta.ID, Path: meta.Path, Method: meta.Method, Status: resp.StatusCode,
		Timestamp: began, DurationMS: time.Since(began).Milliseconds(), Attempts: 1,
	})
}

func (o *Orchestrator) emitSuccess(w http.ResponseWriter, r *http.Request, resp *http.Response, account *model.Account, meta model.RequestMeta, began time.Time, attempts []model.AttemptRecord) {
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	record := model.UsageRecord{
		RequestID: meta.ID, AccountID: account.ID, Path: meta.Path, Method: meta.Method,
		Status: resp.StatusCode, Timestamp: began, Attempts: len(attempts),
	}

	if o.Provider.IsStreaming(resp) {
		flusher, _ := w.(http.Flusher)
		result, _ := tee.Tee(r.Context(), flushWriter{w, flusher}, resp.Body, o.TeeBufferBytes)
		record.Truncated = result.Truncated
	} else {
		buf, _ := io.ReadAll(resp.Body)
		w.Write(buf)
		if tier, ok := o.Provider.ExtractTierInfo(resp, buf); ok && tier != account.Tier {
			o.Writer.Enqueue(&asyncwriter.UpdateTierHintOp{AccountID: account.ID, Tier: tier})
		}
	}

	record.DurationMS = time.Since(began).Milliseconds()
	o.finalizeUsage(r.Context(), record)
}

func (o *Orchestrator) finalizeUsage(ctx context.Context, record model.UsageRecord) {
	o.Writer.Enqueue(&asyncwriter.InsertUsageRecordOp{Record: &record})
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, meta model.RequestMeta, attempts []model.AttemptRecord, status int) {
	o.finalizeUsage(ctx, model.UsageRecord{
		RequestID: meta.ID, Path: meta.Path, Method: meta.Method, Status: status,
		Timestamp: meta.Timestamp, Attempts: len(attempts),
	})
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	filtered := provider.FilterHeaders(resp.Header)
	for k, vs := range filtered {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

func forwardVerbatim(w http.ResponseWriter, resp *http.Response) {
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeSyntheticError(w http.ResponseWriter, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte(`{"error":{"type":"` + kind + `","message":"` + message + `"}}`))
}

// flushWriter flushes after every write so SSE events reach the client
// immediately instead of waiting for Go's default response buffering.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
