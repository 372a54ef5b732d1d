package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/authn"
	"github.com/relaypool/relaypool/internal/crypto"
	"github.com/relaypool/relaypool/internal/eventlog"
	"github.com/relaypool/relaypool/internal/model"
)

const testToken = "test-admin-token"

func newTestServer(t *testing.T) (*Server, *accountstore.SQLiteStore) {
	t.Helper()
	store, err := accountstore.Open(":memory:", crypto.New("test-passphrase"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auth := authn.New(testToken)
	events := eventlog.NewBus(16)
	logs := eventlog.NewLogHandler(slog.LevelInfo, 16)

	s := New(":0", store, nil, auth, logs, events)
	return s, store
}

func insertTestAccount(t *testing.T, store *accountstore.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	account := &model.Account{ID: id, Name: id, AuthType: model.AuthAPIKey, APIKey: "k", Tier: model.Tier(1)}
	if err := store.InsertAccount(ctx, account); err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func authedRequest(method, target string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+testToken)
	return r
}

func TestHandlePauseAndResumeReturnNoContent(t *testing.T) {
	s, store := newTestServer(t)
	insertTestAccount(t, store, "acc-1")

	w := httptest.NewRecorder()
	r := authedRequest(http.MethodPost, "/api/accounts/acc-1/pause", nil)
	r.SetPathValue("id", "acc-1")
	s.handlePause(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", w.Body.String())
	}

	got, err := store.GetAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Paused {
		t.Fatalf("expected account to be paused")
	}

	w = httptest.NewRecorder()
	r = authedRequest(http.MethodPost, "/api/accounts/acc-1/resume", nil)
	r.SetPathValue("id", "acc-1")
	s.handleResume(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestHandleSetTierReturnsNoContentAndRejectsInvalidTier(t *testing.T) {
	s, store := newTestServer(t)
	insertTestAccount(t, store, "acc-1")

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]int{"tier": 5})
	r := authedRequest(http.MethodPost, "/api/accounts/acc-1/tier", body)
	r.SetPathValue("id", "acc-1")
	s.handleSetTier(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	body, _ = json.Marshal(map[string]int{"tier": 999})
	r = authedRequest(http.MethodPost, "/api/accounts/acc-1/tier", body)
	r.SetPathValue("id", "acc-1")
	s.handleSetTier(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid tier, got %d", w.Code)
	}
}

func TestHandleSetRateLimitOverrideReturnsNoContent(t *testing.T) {
	s, store := newTestServer(t)
	insertTestAccount(t, store, "acc-1")

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"enabled": true, "customLimit": 10, "resetWindowMinutes": 1})
	r := authedRequest(http.MethodPost, "/api/accounts/acc-1/rate-limit", body)
	r.SetPathValue("id", "acc-1")
	s.handleSetRateLimitOverride(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestHandleDeleteAccountRequiresMatchingConfirmation(t *testing.T) {
	s, store := newTestServer(t)
	insertTestAccount(t, store, "acc-1")

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]string{"confirm": "not-acc-1"})
	r := authedRequest(http.MethodDelete, "/api/accounts/acc-1", body)
	r.SetPathValue("name", "acc-1")
	s.handleDeleteAccount(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched confirmation, got %d", w.Code)
	}

	if _, err := store.GetAccount(context.Background(), "acc-1"); err != nil {
		t.Fatalf("expected account to survive a mismatched delete, got: %v", err)
	}

	w = httptest.NewRecorder()
	body, _ = json.Marshal(map[string]string{"confirm": "acc-1"})
	r = authedRequest(http.MethodDelete, "/api/accounts/acc-1", body)
	r.SetPathValue("name", "acc-1")
	s.handleDeleteAccount(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	if _, err := store.GetAccount(context.Background(), "acc-1"); err == nil {
		t.Fatalf("expected account to be deleted")
	}
}

func TestHandleListAccountsRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	s.auth.Require(s.handleListAccounts)(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
}

func TestHandleHealthReportsStoreStatus(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
