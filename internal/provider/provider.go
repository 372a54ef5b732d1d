// Package provider defines the adapter interface that knows one upstream's
// URL shape, header conventions, and rate-limit signaling.
package provider

import (
	"net/http"
	"net/url"

	"github.com/relaypool/relaypool/internal/model"
)

// Credentials carries exactly one of AccessToken or APIKey, matching the
// Account invariant that auth_type determines which field is populated.
type Credentials struct {
	AccessToken string
	APIKey      string
}

// Provider knows how to talk to one upstream API.
type Provider interface {
	// Name identifies this provider, matching Account.Provider.
	Name() string

	// BuildURL joins baseURL (or the provider's default base when baseURL is
	// empty) with path and query, unchanged.
	BuildURL(baseURL, path, rawQuery string) (*url.URL, error)

	// PrepareHeaders copies incoming headers minus hop-by-hop and existing
	// credential headers, then injects creds. Exactly one of creds.AccessToken
	// or creds.APIKey must be set.
	PrepareHeaders(incoming http.Header, creds Credentials) http.Header

	// IsStreaming reports whether a response is a streaming (SSE) response.
	IsStreaming(resp *http.Response) bool

	// ParseRateLimit reads the provider's rate-limit headers/status into a signal.
	ParseRateLimit(resp *http.Response) model.RateLimitSignal

	// ExtractTierInfo optionally peeks the response for a tier hint. Returns
	// ok=false when no hint was found.
	ExtractTierInfo(resp *http.Response, body []byte) (tier model.Tier, ok bool)
}

// HopByHopHeaders lists headers that must never be copied from an incoming
// request to the upstream request, or from the upstream response to the
// client response.
var HopByHopHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Transfer-Encoding",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

// FilterHeaders returns a copy of original with hop-by-hop and credential
// headers removed.
func FilterHeaders(original http.Header) http.Header {
	out := make(http.Header, len(original))
	for k, v := range original {
		out[k] = append([]string(nil), v...)
	}
	for _, h := range HopByHopHeaders {
		out.Del(h)
	}
	out.Del("Authorization")
	out.Del("X-Api-Key")
	return out
}
