// Package anthropic implements the provider adapter for the Anthropic
// Messages API, the one concrete upstream this relay fronts.
package anthropic

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaypool/relaypool/internal/model"
	"github.com/relaypool/relaypool/internal/provider"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	apiVersion      = "2023-06-01"
	defaultUserAgent = "relaypool/1.0 (+account-pool)"

	headerRateLimitStatus = "Anthropic-Ratelimit-Unified-5h-Status"
	headerRateLimitReset  = "Anthropic-Ratelimit-Unified-Reset"
	headerRateLimitRemain = "Anthropic-Ratelimit-Unified-5h-Remaining"
)

// Provider implements provider.Provider for Anthropic's Messages API.
type Provider struct {
	BetaHeader string
}

var _ provider.Provider = (*Provider)(nil)

func New(betaHeader string) *Provider {
	return &Provider{BetaHeader: betaHeader}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) BuildURL(baseURL, path, rawQuery string) (*url.URL, error) {
	base := baseURL
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Path = joinPath(u.Path, path)
	u.RawQuery = rawQuery
	return u, nil
}

func joinPath(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func (p *Provider) PrepareHeaders(incoming http.Header, creds provider.Credentials) http.Header {
	h := provider.FilterHeaders(incoming)
	h.Set("Anthropic-Version", apiVersion)
	if p.BetaHeader != "" {
		h.Set("Anthropic-Beta", p.BetaHeader)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", defaultUserAgent)
	}

	switch {
	case creds.AccessToken != "":
		h.Set("Authorization", "Bearer "+creds.AccessToken)
	case creds.APIKey != "":
		h.Set("X-Api-Key", creds.APIKey)
	}
	return h
}

func (p *Provider) IsStreaming(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (p *Provider) ParseRateLimit(resp *http.Response) model.RateLimitSignal {
	sig := model.RateLimitSignal{
		StatusTag: resp.Header.Get(headerRateLimitStatus),
	}

	if resetStr := resp.Header.Get(headerRateLimitReset); resetStr != "" {
		if t, err := time.Parse(time.RFC3339, resetStr); err == nil {
			sig.ResetAt = &t
		} else if secs, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			t := time.Unix(secs, 0)
			sig.ResetAt = &t
		}
	}

	if remStr := resp.Header.Get(headerRateLimitRemain); remStr != "" {
		if n, err := strconv.Atoi(remStr); err == nil {
			sig.Remaining = &n
		}
	}

	sig.IsRateLimited = resp.StatusCode == http.StatusTooManyRequests || sig.StatusTag == "rejected"
	return sig
}

func (p *Provider) ExtractTierInfo(resp *http.Response, body []byte) (model.Tier, bool) {
	if len(body) == 0 {
		return 0, false
	}
	var preamble struct {
		Tier int `json:"relay_tier_hint"`
	}
	if err := json.Unmarshal(body, &preamble); err != nil {
		return 0, false
	}
	t := model.Tier(preamble.Tier)
	if !model.ValidTier(t) {
		return 0, false
	}
	return t, true
}
