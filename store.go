package carapace

import (
	"context"
	"time"
)

// AuditEntry is one append-only audit row. It carries structural
// metadata only: raw arguments and results never reach the log.
type AuditEntry struct {
	Time        time.Time
	SessionID   string
	Group       string
	Tool        string
	Correlation string
	// Stage is the pipeline stage the request reached (1-6).
	Stage int
	// Code is empty on success.
	Code       Code
	DurationMs int64
}

// AuditQuery filters audit reads. Zero fields are ignored.
type AuditQuery struct {
	SessionID string
	Tool      string
	From      time.Time
	To        time.Time
	Limit     int
}

// AuditLog is the append-only request audit.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
	Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// ResumeToken is one persisted resume-token record, keyed by
// (group, claude session id).
type ResumeToken struct {
	Group           string
	ClaudeSessionID string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// DefaultResumeTokenTTL is how long a token stays eligible for
// GetLatest after its last use.
const DefaultResumeTokenTTL = 24 * time.Hour

// ResumeTokenStore persists per-group resume tokens. Save is an
// upsert: repeating it only bumps LastUsedAt. GetLatest returns the
// most recently used token within TTL; List returns everything for
// audit regardless of age.
type ResumeTokenStore interface {
	Save(ctx context.Context, group, claudeSessionID string) error
	GetLatest(ctx context.Context, group string) (ResumeToken, bool, error)
	List(ctx context.Context, group string) ([]ResumeToken, error)
}

// Publisher broadcasts an envelope on the event bus. Publishing is
// non-blocking best-effort: a slow subscriber must never block the
// pipeline, and drops are reported through a counter on the transport.
type Publisher interface {
	Publish(env Envelope)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(env Envelope)

func (f PublisherFunc) Publish(env Envelope) { f(env) }
