// Package sqlite implements the carapace audit log and resume-token
// store using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/carapacehq/carapace"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithTokenTTL overrides how long a resume token stays eligible for
// GetLatest. List ignores the TTL.
func WithTokenTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.tokenTTL = ttl }
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store implements carapace.AuditLog and carapace.ResumeTokenStore
// backed by a local SQLite file.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	tokenTTL time.Duration
	now      func() time.Time
}

var _ carapace.AuditLog = (*Store)(nil)
var _ carapace.ResumeTokenStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:       db,
		logger:   nopLogger,
		tokenTTL: carapace.DefaultResumeTokenTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// migrations run in order; PRAGMA user_version records the last applied
// index so Init is idempotent across restarts and upgrades.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		group_name TEXT NOT NULL,
		tool TEXT NOT NULL,
		correlation TEXT NOT NULL,
		stage INTEGER NOT NULL,
		code TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (session_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log (tool, ts)`,
	`CREATE TABLE IF NOT EXISTS claude_sessions (
		group_name TEXT NOT NULL,
		claude_session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		PRIMARY KEY (group_name, claude_session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_sessions_recent
		ON claude_sessions (group_name, last_used_at DESC)`,
}

// Init applies pending migrations and switches the journal to WAL.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("journal mode: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d`, i+1)); err != nil {
			return fmt.Errorf("bump user_version: %w", err)
		}
	}
	s.logger.Debug("sqlite: init complete",
		"from_version", version, "to_version", len(migrations), "took", time.Since(start))
	return nil
}

// Append writes one audit row.
func (s *Store) Append(ctx context.Context, e carapace.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, session_id, group_name, tool, correlation, stage, code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixMilli(), e.SessionID, e.Group, e.Tool, e.Correlation,
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
	if q.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.Tool != "" {
		where += " AND tool = ?"
		args = append(args, q.Tool)
	}
	if !q.From.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where += " AND ts < ?"
		args = append(args, q.To.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, session_id, group_name, tool, correlation, stage, code, duration_ms
		FROM audit_log WHERE `+where+` ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []carapace.AuditEntry
	for rows.Next() {
		var e carapace.AuditEntry
		var ts int64
		var code string
		if err := rows.Scan(&ts, &e.SessionID, &e.Group, &e.Tool, &e.Correlation,
			&e.Stage, &code, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Time = time.UnixMilli(ts).UTC()
		e.Code = carapace.Code(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Save upserts a resume token. A repeated save refreshes last_used_at
// but keeps the original created_at.
func (s *Store) Save(ctx context.Context, group, claudeSessionID string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claude_sessions (group_name, claude_session_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (group_name, claude_session_id)
		DO UPDATE SET last_used_at = excluded.last_used_at`,
		group, claudeSessionID, now, now)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.logger.Debug("sqlite: token saved", "group", group)
	return nil
}

// GetLatest returns the most recently used unexpired token for group.
// The boolean is false when none qualifies.
func (s *Store) GetLatest(ctx context.Context, group string) (carapace.ResumeToken, bool, error) {
	cutoff := s.now().Add(-s.tokenTTL).UnixMilli()
	var t carapace.ResumeToken
	var created, used int64
	err := s.db.QueryRowContext(ctx, `
		SELECT group_name, claude_session_id, created_at, last_used_at
		FROM claude_sessions
		WHERE group_name = ? AND last_used_at >= ?
		ORDER BY last_used_at DESC LIMIT 1`, group, cutoff).
		Scan(&t.Group, &t.ClaudeSessionID, &created, &used)
	if err == sql.ErrNoRows {
		return carapace.ResumeToken{}, false, nil
	}
	if err != nil {
		return carapace.ResumeToken{}, false, fmt.Errorf("get latest token: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.LastUsedAt = time.UnixMilli(used).UTC()
	return t, true, nil
}

// List returns every stored token for group, newest first, expired
// included.
func (s *Store) List(ctx context.Context, group string) ([]carapace.ResumeToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_name, claude_session_id, created_at, last_used_at
		FROM claude_sessions WHERE group_name = ?
		ORDER BY last_used_at DESC`, group)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []carapace.ResumeToken
	for rows.Next() {
		var t carapace.ResumeToken
		var created, used int64
		if err := rows.Scan(&t.Group, &t.ClaudeSessionID, &created, &used); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		t.LastUsedAt = time.UnixMilli(used).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
