// Package config loads runtime parameters from environment variables. File-
// based configuration is out of scope; every knob here has an env var and a
// default.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/relaypool/relaypool/internal/errs"
)

// Config holds every runtime-tunable parameter of the relay.
type Config struct {
	Host string
	Port int

	DBPath string

	EncryptionPassphrase string
	AdminToken           string

	AnthropicBaseURL  string
	AnthropicBeta     string
	OAuthTokenURL     string
	OAuthClientID     string

	RedisAddr string

	SessionTTL         time.Duration
	TokenRefreshSkew   time.Duration
	TeeBufferBytes      int
	FlushInterval      time.Duration
	BatchSize          int
	ShutdownGrace      time.Duration

	RequestTotalTimeout time.Duration
	ConnectTimeout      time.Duration
	IdleTimeoutNonStream time.Duration
	BufferThresholdBytes int64

	MaxRetryAccounts int

	RateLimitResetClearsCount bool

	LogLevel string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads the Config from the process environment, applying defaults.
func Load() *Config {
	return &Config{
		Host: envOr("RELAY_HOST", "0.0.0.0"),
		Port: envInt("RELAY_PORT", 8787),

		DBPath: envOr("RELAY_DB_PATH", "./relaypool.db"),

		EncryptionPassphrase: os.Getenv("RELAY_ENCRYPTION_KEY"),
		AdminToken:           os.Getenv("RELAY_ADMIN_TOKEN"),

		AnthropicBaseURL: envOr("ANTHROPIC_BASE_URL", ""),
		AnthropicBeta:    envOr("ANTHROPIC_BETA_HEADER", ""),
		OAuthTokenURL:    envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", ""),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		SessionTTL:       envDuration("SESSION_TTL", 5*time.Hour),
		TokenRefreshSkew: envDuration("TOKEN_REFRESH_SKEW", 60*time.Second),
		TeeBufferBytes:   envInt("TEE_BUFFER_BYTES", 256*1024),
		FlushInterval:    envDuration("ASYNC_FLUSH_INTERVAL", 100*time.Millisecond),
		BatchSize:        envInt("ASYNC_BATCH_SIZE", 64),
		ShutdownGrace:    envDuration("ASYNC_SHUTDOWN_GRACE", 5*time.Second),

		RequestTotalTimeout:  envDuration("REQUEST_TOTAL_TIMEOUT", 120*time.Second),
		ConnectTimeout:       envDuration("REQUEST_CONNECT_TIMEOUT", 10*time.Second),
		IdleTimeoutNonStream: envDuration("REQUEST_IDLE_TIMEOUT", 60*time.Second),
		BufferThresholdBytes: envInt64("REQUEST_BUFFER_THRESHOLD_BYTES", 1<<20),

		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 5),

		RateLimitResetClearsCount: envBool("RATE_LIMIT_RESET_CLEARS_COUNT", true),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate enforces the hard requirements; failure is a ConfigError, which
// the entrypoint treats as exit code 1.
func (c *Config) Validate() error {
	if c.EncryptionPassphrase == "" {
		return &errs.ConfigError{Reason: "RELAY_ENCRYPTION_KEY is required"}
	}
	if c.AdminToken == "" {
		return &errs.ConfigError{Reason: "RELAY_ADMIN_TOKEN is required"}
	}
	return nil
}
