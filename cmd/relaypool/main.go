// Command relaypool runs the account-pool reverse proxy: it fronts a
// single upstream with a pool of authenticated accounts, spreading traffic
// across them to stay under per-account rate limits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypool/relaypool/internal/accountstore"
	"github.com/relaypool/relaypool/internal/asyncwriter"
	"github.com/relaypool/relaypool/internal/authn"
	"github.com/relaypool/relaypool/internal/balancer"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/crypto"
	"github.com/relaypool/relaypool/internal/eventlog"
	"github.com/relaypool/relaypool/internal/forwarder"
	"github.com/relaypool/relaypool/internal/pipeline"
	"github.com/relaypool/relaypool/internal/provider/anthropic"
	"github.com/relaypool/relaypool/internal/server"
	"github.com/relaypool/relaypool/internal/sessioncache"
	"github.com/relaypool/relaypool/internal/tokenmgr"
	"github.com/relaypool/relaypool/internal/transport"
	"github.com/relaypool/relaypool/internal/worker"
)

// Exit codes, per SPEC_FULL.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStoreError    = 2
	exitInvalidUsage  = 64
)

func main() {
	if len(os.Args) > 1 {
		fmt.Fprintln(os.Stderr, "relaypool takes no arguments; configure via environment variables")
		os.Exit(exitInvalidUsage)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	logHandler := eventlog.NewLogHandler(parseLevel(cfg.LogLevel), 2000)
	slog.SetDefault(slog.New(logHandler))

	sealer := crypto.New(cfg.EncryptionPassphrase)

	store, err := accountstore.Open(cfg.DBPath, sealer)
	if err != nil {
		slog.Error("failed to open account store", "error", err)
		os.Exit(exitStoreError)
	}
	defer store.Close()

	events := eventlog.NewBus(500)
	transportMgr := transport.NewManager(cfg.RequestTotalTimeout)
	writer := asyncwriter.New(store, cfg.FlushInterval, cfg.BatchSize, cfg.ShutdownGrace)
	tokens := tokenmgr.New(writer, cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.TokenRefreshSkew)
	bal := balancer.New(cfg.SessionTTL)
	fwd := forwarder.New(cfg.RequestTotalTimeout, cfg.ConnectTimeout, cfg.IdleTimeoutNonStream)
	anthropicProvider := anthropic.New(cfg.AnthropicBeta)
	adminAuth := authn.New(cfg.AdminToken)

	var sessions sessioncache.Cache
	if cfg.RedisAddr != "" {
		sessions = sessioncache.NewRedisCache(cfg.RedisAddr, "", 0)
	} else {
		sessions = sessioncache.NewMemCache(time.Minute)
	}
	defer sessions.Close()

	orchestrator := &pipeline.Orchestrator{
		Store:                     store,
		Writer:                    writer,
		Balancer:                  bal,
		Tokens:                    tokens,
		Forwarder:                 fwd,
		Transport:                 transportMgr,
		Provider:                  anthropicProvider,
		Sessions:                  sessions,
		TeeBufferBytes:            cfg.TeeBufferBytes,
		MaxRetryAccounts:          cfg.MaxRetryAccounts,
		BufferThreshold:           cfg.BufferThresholdBytes,
		SessionTTL:                cfg.SessionTTL,
		RateLimitResetClearsCount: cfg.RateLimitResetClearsCount,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := server.New(addr, store, orchestrator, adminAuth, logHandler, events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := worker.NewRunner(writer, transportMgr, srv)
	if err := runner.Run(ctx); err != nil {
		slog.Error("relaypool exited with error", "error", err)
		os.Exit(exitStoreError)
	}

	slog.Info("relaypool shut down cleanly")
	os.Exit(exitOK)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
