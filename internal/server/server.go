// Package server exposes the HTTP surface: the client-facing forwarding
// handler, the admin account-management API, health, and log/event
// streaming, per SPEC_FULL.md §6.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/authn"
	"github.com/relaypool/relaypool/internal/eventlog"
	"github.com/relaypool/relaypool/internal/model"
	"github.com/relaypool/relaypool/internal/pipeline"
)

// Server owns the process's single http.Server and ServeMux.
type Server struct {
	httpServer *http.Server
	store      accountstore.Store
	pipeline   *pipeline.Orchestrator
	auth       *authn.Middleware
	logs       *eventlog.LogHandler
	events     *eventlog.Bus
}

// New builds a Server bound to addr. The pass-through/forward handler is
// mounted at "/", unauthenticated; everything under /api/ requires the
// admin token except /health.
func New(addr string, store accountstore.Store, pl *pipeline.Orchestrator, auth *authn.Middleware, logs *eventlog.LogHandler, events *eventlog.Bus) *Server {
	s := &Server{store: store, pipeline: pl, auth: auth, logs: logs, events: events}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/accounts", s.auth.Require(s.handleListAccounts))
	mux.HandleFunc("POST /api/accounts/{id}/pause", s.auth.Require(s.handlePause))
	mux.HandleFunc("POST /api/accounts/{id}/resume", s.auth.Require(s.handleResume))
	mux.HandleFunc("POST /api/accounts/{id}/tier", s.auth.Require(s.handleSetTier))
	mux.HandleFunc("POST /api/accounts/{id}/rate-limit", s.auth.Require(s.handleSetRateLimitOverride))
	mux.HandleFunc("DELETE /api/accounts/{name}", s.auth.Require(s.handleDeleteAccount))
	mux.HandleFunc("GET /api/requests", s.auth.Require(s.handleListRequests))
	mux.HandleFunc("GET /api/logs/stream", s.auth.Require(s.handleLogStream))

	// Account provisioning (OAuth PKCE flow, direct api_key enrollment) is
	// out of scope; these stubs preserve the route surface.
	mux.HandleFunc("POST /api/oauth/init", s.auth.Require(notImplemented))
	mux.HandleFunc("POST /api/oauth/complete", s.auth.Require(notImplemented))
	mux.HandleFunc("POST /api/accounts/direct", s.auth.Require(notImplemented))

	mux.HandleFunc("/", pl.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Run starts the HTTP server until ctx is cancelled, then shuts down within
// a 30s grace window.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Name identifies this worker to the runner.
func (s *Server) Name() string { return "http_server" }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountView is the redacted projection returned by the admin accounts
// API: never the raw tokens or api key.
type accountView struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Provider            string  `json:"provider"`
	Tier                int     `json:"tier"`
	AuthType            string  `json:"auth_type"`
	Paused              bool    `json:"paused"`
	RateLimitStatus     string  `json:"rate_limit_status,omitempty"`
	RateLimitResetAt    *int64  `json:"rate_limit_reset_at,omitempty"`
	SessionRequestCount int     `json:"session_request_count"`
	RequestCount        int     `json:"request_count"`
	TotalRequests       int     `json:"total_requests"`
}

func toAccountView(a *model.Account) accountView {
	v := accountView{
		ID: a.ID, Name: a.Name, Provider: a.Provider, Tier: int(a.Tier),
		AuthType: string(a.AuthType), Paused: a.Paused, RateLimitStatus: a.RateLimitStatus,
		SessionRequestCount: a.SessionRequestCount, RequestCount: a.RequestCount, TotalRequests: a.TotalRequests,
	}
	if a.RateLimitResetAt != nil {
		ms := a.RateLimitResetAt.UnixMilli()
		v.RateLimitResetAt = &ms
	}
	return v
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list_failed"})
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetPaused(r.Context(), id, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pause_failed"})
		return
	}
	s.events.Publish(eventlog.Event{Type: eventlog.EventPaused, AccountID: id, Time: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetPaused(r.Context(), id, false); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "resume_failed"})
		return
	}
	s.events.Publish(eventlog.Event{Type: eventlog.EventResumed, AccountID: id, Time: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Tier int `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	tier := model.Tier(body.Tier)
	if !model.ValidTier(tier) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_tier"})
		return
	}
	if err := s.store.SetTier(r.Context(), id, tier); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "set_tier_failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRateLimitOverride(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled            bool `json:"enabled"`
		CustomLimit        int  `json:"customLimit"`
		ResetWindowMinutes int  `json:"resetWindowMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	var override *model.RateLimitOverride
	if body.Enabled && body.CustomLimit > 0 {
		override = &model.RateLimitOverride{Limit: body.CustomLimit, Window: time.Duration(body.ResetWindowMinutes) * time.Minute}
	}
	if err := s.store.SetRateLimitOverride(r.Context(), id, override); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "set_override_failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if body.Confirm != name {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "confirmation_mismatch"})
		return
	}

	if err := s.store.DeleteAccount(r.Context(), name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete_failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := s.store.ListUsageRecords(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list_failed"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLogStream serves a Server-Sent Events stream of recent and live log
// lines, backed by the ring-buffer log handler.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming_unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, line := range s.logs.Recent() {
		writeSSE(w, line)
	}
	flusher.Flush()

	ch, unsubscribe := s.logs.Subscribe()
	defer unsubscribe()

	for {
		select {
		case line := <-ch:
			writeSSE(w, line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, line eventlog.LogLine) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "not_implemented"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
