// Package model holds the data types shared across the relay pipeline.
package model

import "time"

// AuthType distinguishes how an Account authenticates against the upstream.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
)

// Tier is a selection weight. Only 1, 5, and 20 are valid.
type Tier int

const (
	TierLow    Tier = 1
	TierMedium Tier = 5
	TierHigh   Tier = 20
)

// ValidTier reports whether t is one of the enumerated weights.
func ValidTier(t Tier) bool {
	return t == TierLow || t == TierMedium || t == TierHigh
}

// ProxyType names a supported egress proxy protocol.
type ProxyType string

const (
	ProxySOCKS5      ProxyType = "socks5"
	ProxyHTTPConnect ProxyType = "http_connect"
)

// ProxyConfig describes a per-account egress proxy override.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// RateLimitOverride lets an operator pin a custom limit/window for an account.
type RateLimitOverride struct {
	Limit  int
	Window time.Duration
}

// Account is one authenticated principal against the upstream.
type Account struct {
	ID   string
	Name string
	// Provider is a fixed string identifying the upstream this account talks to.
	Provider string
	Tier     Tier

	AuthType AuthType

	// OAuth fields. Ciphertext at rest; accountstore seals/opens transparently.
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time

	// API key field. Ciphertext at rest.
	APIKey string

	// BaseURL overrides the default upstream base when non-empty. An account
	// with BaseURL set is always AuthAPIKey.
	BaseURL string

	Paused bool

	RateLimitStatus     string
	RateLimitResetAt    *time.Time
	RateLimitRemaining  *int
	RateLimitOverride   *RateLimitOverride

	SessionStart        *time.Time
	SessionRequestCount int

	RequestCount  int
	TotalRequests int

	Proxy *ProxyConfig
}

// IsOAuthUnusable reports whether an oauth account has neither token, per
// the load balancer's third eligibility check.
func (a *Account) IsOAuthUnusable() bool {
	return a.AuthType == AuthOAuth && a.AccessToken == "" && a.RefreshToken == ""
}

// RateLimitSignal is the transient, per-response parse of rate-limit state.
type RateLimitSignal struct {
	IsRateLimited bool
	ResetAt       *time.Time
	Remaining     *int
	StatusTag     string
}

// RequestMeta identifies one inbound request.
type RequestMeta struct {
	ID        string
	Timestamp time.Time
	Method    string
	Path      string
	AgentHint string
}

// FailoverReason names why an attempt did not succeed.
type FailoverReason string

const (
	FailoverRateLimit  FailoverReason = "rate_limit"
	FailoverNonSuccess FailoverReason = "non_success"
)

// AttemptRecord is the transient record of one account attempt.
type AttemptRecord struct {
	AccountID      string
	Status         int
	BeganAt        time.Time
	EndedAt        time.Time
	FailoverReason FailoverReason
}

// UsageRecord is the persisted accounting row produced at response completion.
type UsageRecord struct {
	RequestID      string
	AccountID      string // empty for unauthenticated pass-through
	Path           string
	Method         string
	Status         int
	Timestamp      time.Time
	DurationMS     int64
	InputTokens    *int
	OutputTokens   *int
	CostEstimate   *float64
	Agent          string
	Attempts       int
	Truncated      bool
}
