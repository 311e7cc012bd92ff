// Package postgres implements the carapace audit log and resume-token
// store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carapacehq/carapace"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithTokenTTL overrides how long a resume token stays eligible for
// GetLatest. List ignores the TTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Store) { s.tokenTTL = ttl }
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements carapace.AuditLog and carapace.ResumeTokenStore
// backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	tokenTTL time.Duration
	now      func() time.Time
}

var _ carapace.AuditLog = (*Store)(nil)
var _ carapace.ResumeTokenStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:     pool,
		tokenTTL: carapace.DefaultResumeTokenTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// migrations run in order; the schema_migrations table records the last
// applied version so Init is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL,
		group_name TEXT NOT NULL,
		tool TEXT NOT NULL,
		correlation TEXT NOT NULL,
		stage INT NOT NULL,
		code TEXT NOT NULL,
		duration_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (session_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log (tool, ts)`,
	`CREATE TABLE IF NOT EXISTS claude_sessions (
		group_name TEXT NOT NULL,
		claude_session_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (group_name, claude_session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_sessions_recent
		ON claude_sessions (group_name, last_used_at DESC)`,
}

// Init applies pending migrations.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	if err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}
	var version int
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.pool.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, i+1); err != nil {
			return fmt.Errorf("record migration %d: %w", i, err)
		}
	}
	return nil
}

// Append writes one audit row.
func (s *Store) Append(ctx context.Context, e carapace.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (ts, session_id, group_name, tool, correlation, stage, code, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Time, e.SessionID, e.Group, e.Tool, e.Correlation,
		e.Stage, string(e.Code), e.DurationMs)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Query returns audit rows matching q, newest first.
func (s *Store) Query(ctx context.Context, q carapace.AuditQuery) ([]carapace.AuditEntry, error) {
	where := "1=1"
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if q.SessionID != "" {
		where += " AND session_id = " + arg(q.SessionID)
	}
	if q.Tool != "" {
		where += " AND tool = " + arg(q.Tool)
	}
	if !q.From.IsZero() {
		where += " AND ts >= " + arg(q.From)
	}
	if !q.To.IsZero() {
		where += " AND ts < " + arg(q.To)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ts, session_id, group_name, tool, correlation, stage, code, duration_ms
		FROM audit_log WHERE `+where+` ORDER BY ts DESC, id DESC LIMIT `+arg(limit), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []carapace.AuditEntry
	for rows.Next() {
		var e carapace.AuditEntry
		var code string
		if err := rows.Scan(&e.Time, &e.SessionID, &e.Group, &e.Tool, &e.Correlation,
			&e.Stage, &code, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Time = e.Time.UTC()
		e.Code = carapace.Code(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Save upserts a resume token. A repeated save refreshes last_used_at
// but keeps the original created_at.
func (s *Store) Save(ctx context.Context, group, claudeSessionID string) error {
	now := s.now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claude_sessions (group_name, claude_session_id, created_at, last_used_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (group_name, claude_session_id)
		DO UPDATE SET last_used_at = EXCLUDED.last_used_at`,
		group, claudeSessionID, now)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// GetLatest returns the most recently used unexpired token for group.
// The boolean is false when none qualifies.
func (s *Store) GetLatest(ctx context.Context, group string) (carapace.ResumeToken, bool, error) {
	cutoff := s.now().Add(-s.tokenTTL)
	var t carapace.ResumeToken
	err := s.pool.QueryRow(ctx, `
		SELECT group_name, claude_session_id, created_at, last_used_at
		FROM claude_sessions
		WHERE group_name = $1 AND last_used_at >= $2
		ORDER BY last_used_at DESC LIMIT 1`, group, cutoff).
		Scan(&t.Group, &t.ClaudeSessionID, &t.CreatedAt, &t.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return carapace.ResumeToken{}, false, nil
	}
	if err != nil {
		return carapace.ResumeToken{}, false, fmt.Errorf("get latest token: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastUsedAt = t.LastUsedAt.UTC()
	return t, true, nil
}

// List returns every stored token for group, newest first, expired
// included.
func (s *Store) List(ctx context.Context, group string) ([]carapace.ResumeToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_name, claude_session_id, created_at, last_used_at
		FROM claude_sessions WHERE group_name = $1
		ORDER BY last_used_at DESC`, group)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []carapace.ResumeToken
	for rows.Next() {
		var t carapace.ResumeToken
		if err := rows.Scan(&t.Group, &t.ClaudeSessionID, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		t.LastUsedAt = t.LastUsedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
