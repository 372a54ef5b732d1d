package tokenmgr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaypool/relaypool/internal/asyncwriter"
	"github.com/relaypool/relaypool/internal/errs"
	"github.com/relaypool/relaypool/internal/model"
)

func TestGetValidAccessTokenNoOpForAPIKey(t *testing.T) {
	m := New(nil, "", "", time.Minute)
	account := &model.Account{AuthType: model.AuthAPIKey, APIKey: "sk-test"}

	token, err := m.GetValidAccessToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "sk-test" {
		t.Fatalf("expected api key returned verbatim, got %q", token)
	}
}

func TestGetValidAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	m := New(nil, "", "", time.Minute)
	account := &model.Account{
		AuthType:    model.AuthOAuth,
		AccessToken: "still-good",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	token, err := m.GetValidAccessToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "still-good" {
		t.Fatalf("expected cached token, got %q", token)
	}
}

func TestConcurrentRefreshSingleFlights(t *testing.T) {
	var calls int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "same-refresh",
			"expires_in":    3600,
		})
	}))
	defer upstream.Close()

	writer := asyncwriter.New(nil, time.Hour, 1000, time.Second)
	m := New(writer, upstream.URL, "client-id", time.Minute)

	account := &model.Account{
		ID:           "acc-1",
		AuthType:     model.AuthOAuth,
		RefreshToken: "same-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}

	const n = 50
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidAccessToken(context.Background(), account)
			tokens[i] = tok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one upstream refresh call, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d got unexpected error: %v", i, err)
		}
		if tokens[i] != "new-token" {
			t.Fatalf("caller %d got token %q, want new-token", i, tokens[i])
		}
	}
}

func TestRefreshRejectedSurfacesAuthError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	writer := asyncwriter.New(nil, time.Hour, 1000, time.Second)
	m := New(writer, upstream.URL, "client-id", time.Minute)

	account := &model.Account{
		ID:           "acc-2",
		AuthType:     model.AuthOAuth,
		RefreshToken: "stale",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}

	_, err := m.GetValidAccessToken(context.Background(), account)
	var authErr *errs.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for a rejected refresh, got %v", err)
	}
}
