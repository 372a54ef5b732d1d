// Package tokenmgr produces valid access tokens for oauth accounts, with
// single-flight refresh so concurrent callers for the same account share one
// network round trip.
package tokenmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaypool/relaypool/internal/asyncwriter"
	"github.com/relaypool/relaypool/internal/errs"
	"github.com/relaypool/relaypool/internal/model"
)

const hardRefreshDeadline = 30 * time.Second

// refreshFuture is the per-account in-flight-refresh coordination point
// described in SPEC_FULL.md Design Notes §9.
type refreshFuture struct {
	done  chan struct{}
	token string
	err   error
}

// Manager is the token manager of SPEC_FULL.md §4.4.
type Manager struct {
	writer *asyncwriter.Writer
	client *http.Client

	tokenURL string
	clientID string
	skew     time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshFuture
}

// New builds a Manager.
func New(writer *asyncwriter.Writer, tokenURL, clientID string, skew time.Duration) *Manager {
	return &Manager{
		writer:   writer,
		client:   &http.Client{Timeout: hardRefreshDeadline},
		tokenURL: tokenURL,
		clientID: clientID,
		skew:     skew,
		inflight: make(map[string]*refreshFuture),
	}
}

// GetValidAccessToken implements get_valid_access_token. For api_key
// accounts it is a no-op returning the key itself.
func (m *Manager) GetValidAccessToken(ctx context.Context, a *model.Account) (string, error) {
	if a.AuthType == model.AuthAPIKey {
		return a.APIKey, nil
	}

	if time.Now().Before(a.ExpiresAt.Add(-m.skew)) {
		return a.AccessToken, nil
	}

	return m.refresh(ctx, a)
}

// ForceRefresh bypasses the expiry check and always goes through the
// single-flight refresh.
func (m *Manager) ForceRefresh(ctx context.Context, a *model.Account) (string, error) {
	return m.refresh(ctx, a)
}

func (m *Manager) refresh(ctx context.Context, a *model.Account) (string, error) {
	m.mu.Lock()
	if f, ok := m.inflight[a.ID]; ok {
		m.mu.Unlock()
		return m.await(ctx, f)
	}

	f := &refreshFuture{done: make(chan struct{})}
	m.inflight[a.ID] = f
	m.mu.Unlock()

	go m.doRefresh(a, f)

	return m.await(ctx, f)
}

func (m *Manager) await(ctx context.Context, f *refreshFuture) (string, error) {
	select {
	case <-f.done:
		return f.token, f.err
	case <-ctx.Done():
		return "", &errs.TransientAuthError{Err: ctx.Err()}
	}
}

func (m *Manager) doRefresh(a *model.Account, f *refreshFuture) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, a.ID)
		m.mu.Unlock()
		close(f.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), hardRefreshDeadline)
	defer cancel()

	resp, err := m.callOAuthRefresh(ctx, a.RefreshToken)
	if err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			authErr.AccountID = a.ID
			f.err = authErr
		} else {
			f.err = &errs.TransientAuthError{AccountID: a.ID, Err: err}
		}
		return
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	rotated := resp.RefreshToken
	if rotated == a.RefreshToken {
		rotated = ""
	}

	m.writer.Enqueue(&asyncwriter.UpdateTokensOp{
		AccountID:    a.ID,
		AccessToken:  resp.AccessToken,
		ExpiresAt:    expiresAt,
		RefreshToken: rotated,
	})

	a.AccessToken = resp.AccessToken
	a.ExpiresAt = expiresAt
	if rotated != "" {
		a.RefreshToken = rotated
	}

	f.token = resp.AccessToken
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (m *Manager) callOAuthRefresh(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.clientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &errs.AuthError{Reason: fmt.Sprintf("refresh rejected with status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return &out, nil
}
