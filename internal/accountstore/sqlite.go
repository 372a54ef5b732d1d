package accountstore

import (
	"context"
	_ "embed"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaypool/relaypool/internal/crypto"
	"github.com/relaypool/relaypool/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the canonical Store implementation, grounded on the
// teacher's internal/store/sqlite.go wiring (WAL mode, busy_timeout,
// single-connection pool) but with a schema authored fresh for this spec's
// Account/UsageRecord shape.
type SQLiteStore struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. Credentials are sealed/opened transparently using sealer.
func Open(path string, sealer *crypto.Sealer) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, sealer: sealer}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const accountColumns = `id, name, provider, tier, auth_type, refresh_token, access_token, expires_at,
	api_key, base_url, paused, rate_limit_status, rate_limit_reset_at, rate_limit_remaining,
	rate_limit_override_limit, rate_limit_override_window_ms, session_start, session_request_count,
	request_count, total_requests, proxy_type, proxy_host, proxy_port, proxy_username, proxy_password`

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	return s.scanAccount(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAccount(row scanner) (*model.Account, error) {
	var (
		a                                    model.Account
		authType                             string
		refreshTokenEnc, accessTokenEnc      string
		apiKeyEnc                            string
		expiresAt                            sql.NullInt64
		paused                               int
		rateLimitResetAt, sessionStart       sql.NullInt64
		rateLimitRemaining                   sql.NullInt64
		overrideLimit, overrideWindowMS      sql.NullInt64
		proxyType, proxyHost                 string
		proxyPort                            int
		proxyUsername, proxyPassword         string
	)

	if err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.Tier, &authType, &refreshTokenEnc, &accessTokenEnc, &expiresAt,
		&apiKeyEnc, &a.BaseURL, &paused, &a.RateLimitStatus, &rateLimitResetAt, &rateLimitRemaining,
		&overrideLimit, &overrideWindowMS, &sessionStart, &a.SessionRequestCount,
		&a.RequestCount, &a.TotalRequests, &proxyType, &proxyHost, &proxyPort, &proxyUsername, &proxyPassword,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.AuthType = model.AuthType(authType)
	a.Paused = paused != 0

	var err error
	if a.RefreshToken, err = s.sealer.Open(a.ID, refreshTokenEnc); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	if a.AccessToken, err = s.sealer.Open(a.ID, accessTokenEnc); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if a.APIKey, err = s.sealer.Open(a.ID, apiKeyEnc); err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}

	if expiresAt.Valid {
		a.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if rateLimitResetAt.Valid {
		t := time.UnixMilli(rateLimitResetAt.Int64)
		a.RateLimitResetAt = &t
	}
	if rateLimitRemaining.Valid {
		n := int(rateLimitRemaining.Int64)
		a.RateLimitRemaining = &n
	}
	if overrideLimit.Valid && overrideWindowMS.Valid {
		a.RateLimitOverride = &model.RateLimitOverride{
			Limit:  int(overrideLimit.Int64),
			Window: time.Duration(overrideWindowMS.Int64) * time.Millisecond,
		}
	}
	if sessionStart.Valid {
		t := time.UnixMilli(sessionStart.Int64)
		a.SessionStart = &t
	}
	if proxyType != "" {
		a.Proxy = &model.ProxyConfig{
			Type:     model.ProxyType(proxyType),
			Host:     proxyHost,
			Port:     proxyPort,
			Username: proxyUsername,
			Password: proxyPassword,
		}
	}

	return &a, nil
}

func (s *SQLiteStore) InsertAccount(ctx context.Context, a *model.Account) error {
	refreshEnc, err := s.sealer.Seal(a.ID, a.RefreshToken)
	if err != nil {
		return err
	}
	accessEnc, err := s.sealer.Seal(a.ID, a.AccessToken)
	if err != nil {
		return err
	}
	apiKeyEnc, err := s.sealer.Seal(a.ID, a.APIKey)
	if err != nil {
		return err
	}

	var proxyType, proxyHost, proxyUsername, proxyPassword string
	var proxyPort int
	if a.Proxy != nil {
		proxyType, proxyHost, proxyPort = string(a.Proxy.Type), a.Proxy.Host, a.Proxy.Port
		proxyUsername, proxyPassword = a.Proxy.Username, a.Proxy.Password
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts (
		id, name, provider, tier, auth_type, refresh_token, access_token, expires_at, api_key, base_url,
		paused, proxy_type, proxy_host, proxy_port, proxy_username, proxy_password, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Provider, int(a.Tier), string(a.AuthType), refreshEnc, accessEnc, millisOrNil(a.ExpiresAt, a.AuthType == model.AuthOAuth),
		apiKeyEnc, a.BaseURL, boolToInt(a.Paused), proxyType, proxyHost, proxyPort, proxyUsername, proxyPassword, time.Now().UnixMilli(),
	)
	return err
}

func millisOrNil(t time.Time, present bool) any {
	if !present || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE name = ?", name)
	return err
}

func (s *SQLiteStore) SetPaused(ctx context.Context, id string, paused bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET paused = ? WHERE id = ?", boolToInt(paused), id)
	return err
}

func (s *SQLiteStore) SetTier(ctx context.Context, id string, tier model.Tier) error {
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET tier = ? WHERE id = ?", int(tier), id)
	return err
}

func (s *SQLiteStore) Rename(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET name = ? WHERE id = ?", name, id)
	return err
}

func (s *SQLiteStore) SetRateLimitOverride(ctx context.Context, id string, override *model.RateLimitOverride) error {
	if override == nil {
		_, err := s.db.ExecContext(ctx, "UPDATE accounts SET rate_limit_override_limit = NULL, rate_limit_override_window_ms = NULL WHERE id = ?", id)
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE accounts SET rate_limit_override_limit = ?, rate_limit_override_window_ms = ? WHERE id = ?",
		override.Limit, override.Window.Milliseconds(), id)
	return err
}

func (s *SQLiteStore) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, refreshToken string) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		accessEnc, err := s.sealer.Seal(id, accessToken)
		if err != nil {
			return err
		}
		if refreshToken != "" {
			refreshEnc, err := s.sealer.Seal(id, refreshToken)
			if err != nil {
				return err
			}
			_, err = exec.ExecContext(ctx, "UPDATE accounts SET access_token = ?, expires_at = ?, refresh_token = ? WHERE id = ?",
				accessEnc, expiresAt.UnixMilli(), refreshEnc, id)
			return err
		}
		_, err = exec.ExecContext(ctx, "UPDATE accounts SET access_token = ?, expires_at = ? WHERE id = ?",
			accessEnc, expiresAt.UnixMilli(), id)
		return err
	})
}

func (s *SQLiteStore) MarkRateLimited(ctx context.Context, id string, resetAt time.Time) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		_, err := exec.ExecContext(ctx, "UPDATE accounts SET rate_limit_reset_at = ? WHERE id = ?", resetAt.UnixMilli(), id)
		return err
	})
}

func (s *SQLiteStore) ClearRateLimit(ctx context.Context, id string, resetCount bool) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		if resetCount {
			_, err := exec.ExecContext(ctx,
				"UPDATE accounts SET rate_limit_reset_at = NULL, request_count = 0 WHERE id = ?", id)
			return err
		}
		_, err := exec.ExecContext(ctx, "UPDATE accounts SET rate_limit_reset_at = NULL WHERE id = ?", id)
		return err
	})
}

func (s *SQLiteStore) UpdateRateLimitMeta(ctx context.Context, id string, statusTag string, resetAt *time.Time, remaining *int) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		var resetMillis any
		if resetAt != nil {
			resetMillis = resetAt.UnixMilli()
		}
		var rem any
		if remaining != nil {
			rem = *remaining
		}
		_, err := exec.ExecContext(ctx,
			"UPDATE accounts SET rate_limit_status = ?, rate_limit_reset_at = ?, rate_limit_remaining = ? WHERE id = ?",
			statusTag, resetMillis, rem, id)
		return err
	})
}


// IncrementUsageBy applies a +=N usage increment as a standalone statement.
// The async writer applies its coalesced increments through
// Batch.IncrementUsageBy instead.
func (s *SQLiteStore) IncrementUsageBy(ctx context.Context, id string, n int) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		_, err := exec.ExecContext(ctx,
			"UPDATE accounts SET request_count = request_count + ?, total_requests = total_requests + ? WHERE id = ?", n, n, id)
		return err
	})
}

func (s *SQLiteStore) SetSessionLeader(ctx context.Context, id string, sessionStart time.Time) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		_, err := exec.ExecContext(ctx, "UPDATE accounts SET session_start = ?, session_request_count = 1 WHERE id = ?",
			sessionStart.UnixMilli(), id)
		return err
	})
}

func (s *SQLiteStore) UpdateTierHint(ctx context.Context, id string, tier model.Tier) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		_, err := exec.ExecContext(ctx, "UPDATE accounts SET tier = ? WHERE id = ?", int(tier), id)
		return err
	})
}

func (s *SQLiteStore) InsertUsageRecord(ctx context.Context, r *model.UsageRecord) error {
	return s.withExec(ctx, nil, func(exec execer) error {
		var input, output any
		if r.InputTokens != nil {
			input = *r.InputTokens
		}
		if r.OutputTokens != nil {
			output = *r.OutputTokens
		}
		var cost any
		if r.CostEstimate != nil {
			cost = *r.CostEstimate
		}
		_, err := exec.ExecContext(ctx, `INSERT OR REPLACE INTO usage_records (
			request_id, account_id, path, method, status, timestamp, duration_ms,
			input_tokens, output_tokens, cost_estimate, agent, attempts, truncated
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.RequestID, r.AccountID, r.Path, r.Method, r.Status, r.Timestamp.UnixMilli(), r.DurationMS,
			input, output, cost, r.Agent, r.Attempts, boolToInt(r.Truncated))
		return err
	})
}

func (s *SQLiteStore) ListUsageRecords(ctx context.Context, limit, offset int) ([]*model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, account_id, path, method, status, timestamp,
		duration_ms, input_tokens, output_tokens, cost_estimate, agent, attempts, truncated
		FROM usage_records ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		var ts int64
		var input, output sql.NullInt64
		var cost sql.NullFloat64
		var truncated int
		if err := rows.Scan(&r.RequestID, &r.AccountID, &r.Path, &r.Method, &r.Status, &ts,
			&r.DurationMS, &input, &output, &cost, &r.Agent, &r.Attempts, &truncated); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		if input.Valid {
			n := int(input.Int64)
			r.InputTokens = &n
		}
		if output.Valid {
			n := int(output.Int64)
			r.OutputTokens = &n
		}
		if cost.Valid {
			r.CostEstimate = &cost.Float64
		}
		r.Truncated = truncated != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting mutation helpers
// run standalone or as part of an async-writer batch.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) withExec(ctx context.Context, tx *sql.Tx, fn func(execer) error) error {
	if tx != nil {
		return fn(tx)
	}
	return fn(s.db)
}

// BeginBatch starts one transaction for the async writer to apply a batch of
// mutations into, in enqueue order, before a single commit.
func (s *SQLiteStore) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Batch{store: s, tx: tx}, nil
}

// Batch is one open transaction exposing the same mutation surface as Store,
// bound to the transaction instead of the pooled connection.
type Batch struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (b *Batch) Commit() error   { return b.tx.Commit() }
func (b *Batch) Rollback() error { return b.tx.Rollback() }

func (b *Batch) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, refreshToken string) error {
	return b.store.withExec(ctx, b.tx, func(exec execer) error {
		accessEnc, err := b.store.sealer.Seal(id, accessToken)
		if err != nil {
			return err
		}
		if refreshToken != "" {
			refreshEnc, err := b.store.sealer.Seal(id, refreshToken)
			if err != nil {
				return err
			}
			_, err = exec.ExecContext(ctx, "UPDATE accounts SET access_token = ?, expires_at = ?, refresh_token = ? WHERE id = ?",
				accessEnc, expiresAt.UnixMilli(), refreshEnc, id)
			return err
		}
		_, err = exec.ExecContext(ctx, "UPDATE accounts SET access_token = ?, expires_at = ? WHERE id = ?",
			accessEnc, expiresAt.UnixMilli(), id)
		return err
	})
}

func (b *Batch) MarkRateLimited(ctx context.Context, id string, resetAt time.Time) error {
	_, err := b.tx.ExecContext(ctx, "UPDATE accounts SET rate_limit_reset_at = ? WHERE id = ?", resetAt.UnixMilli(), id)
	return err
}

func (b *Batch) UpdateRateLimitMeta(ctx context.Context, id string, statusTag string, resetAt *time.Time, remaining *int) error {
	var resetMillis any
	if resetAt != nil {
		resetMillis = resetAt.UnixMilli()
	}
	var rem any
	if remaining != nil {
		rem = *remaining
	}
	_, err := b.tx.ExecContext(ctx,
		"UPDATE accounts SET rate_limit_status = ?, rate_limit_reset_at = ?, rate_limit_remaining = ? WHERE id = ?",
		statusTag, resetMillis, rem, id)
	return err
}

func (b *Batch) IncrementUsageBy(ctx context.Context, id string, n int) error {
	_, err := b.tx.ExecContext(ctx,
		"UPDATE accounts SET request_count = request_count + ?, total_requests = total_requests + ? WHERE id = ?", n, n, id)
	return err
}

func (b *Batch) ClearRateLimit(ctx context.Context, id string, resetCount bool) error {
	if resetCount {
		_, err := b.tx.ExecContext(ctx,
			"UPDATE accounts SET rate_limit_reset_at = NULL, request_count = 0 WHERE id = ?", id)
		return err
	}
	_, err := b.tx.ExecContext(ctx, "UPDATE accounts SET rate_limit_reset_at = NULL WHERE id = ?", id)
	return err
}

func (b *Batch) UpdateTierHint(ctx context.Context, id string, tier model.Tier) error {
	_, err := b.tx.ExecContext(ctx, "UPDATE accounts SET tier = ? WHERE id = ?", int(tier), id)
	return err
}

// SetSessionLeader bumps session_request_count and sets session_start only
// if it isn't already set, so a continuing leader never resets its own
// stickiness clock.
func (b *Batch) SetSessionLeader(ctx context.Context, id string, sessionStart time.Time) error {
	_, err := b.tx.ExecContext(ctx,
		`UPDATE accounts SET session_start = COALESCE(session_start, ?), session_request_count = session_request_count + 1 WHERE id = ?`,
		sessionStart.UnixMilli(), id)
	return err
}

func (b *Batch) InsertUsageRecord(ctx context.Context, r *model.UsageRecord) error {
	var input, output any
	if r.InputTokens != nil {
		input = *r.InputTokens
	}
	if r.OutputTokens != nil {
		output = *r.OutputTokens
	}
	var cost any
	if r.CostEstimate != nil {
		cost = *r.CostEstimate
	}
	_, err := b.tx.ExecContext(ctx, `INSERT OR REPLACE INTO usage_records (
		request_id, account_id, path, method, status, timestamp, duration_ms,
		input_tokens, output_tokens, cost_estimate, agent, attempts, truncated
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RequestID, r.AccountID, r.Path, r.Method, r.Status, r.Timestamp.UnixMilli(), r.DurationMS,
		input, output, cost, r.Agent, r.Attempts, boolToInt(r.Truncated))
	return err
}

var _ Store = (*SQLiteStore)(nil)
