// Package transport manages per-account egress HTTP transports: direct
// connections use an HTTP/2 transport dialing through utls with a Chrome TLS
// fingerprint; accounts with a configured proxy dial through SOCKS5 or HTTP
// CONNECT first.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaypool/relaypool/internal/model"
)

type poolEntry struct {
	transport http.RoundTripper
	lastUsed  time.Time
}

// Manager pools one transport per distinct account egress configuration and
// evicts idle entries.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

// NewManager builds a Manager. requestTimeout bounds each client.Do call.
func NewManager(requestTimeout time.Duration) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: requestTimeout,
	}
}

// GetClient returns an *http.Client configured for a's egress path.
func (m *Manager) GetClient(a *model.Account) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(a),
		Timeout:   m.requestTimeout,
	}
}

func transportKey(a *model.Account) string {
	if a.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", a.Proxy.Type, a.Proxy.Host, a.Proxy.Port)
}

func (m *Manager) getRoundTripper(a *model.Account) http.RoundTripper {
	key := transportKey(a)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.transport
	}

	rt := buildRoundTripper(a)
	m.entries[key] = &poolEntry{transport: rt, lastUsed: time.Now()}
	return rt
}

func buildRoundTripper(a *model.Account) http.RoundTripper {
	if a.Proxy != nil {
		return &http.Transport{
			DialTLSContext: proxyDialer(a.Proxy),
		}
	}
	return &http2.Transport{
		DialTLSContext: dialUTLSContext,
	}
}

// Name identifies this worker to the runner.
func (m *Manager) Name() string { return "transport_sweep" }

// Run evicts transports idle for more than 5 minutes, on a 1 minute tick,
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-5 * time.Minute)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			delete(m.entries, k)
		}
	}
}
