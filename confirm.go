package carapace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfirmationOutcome is the single-shot result of a pending
// confirmation.
type ConfirmationOutcome struct {
	Approved bool
	// Reason is "denied" or "timeout" when Approved is false.
	Reason string
}

// DefaultConfirmationTimeout bounds how long a high-risk invocation may
// wait for an out-of-band decision.
const DefaultConfirmationTimeout = 5 * time.Minute

type pendingConfirmation struct {
	tool        string
	requestedAt time.Time
	outcome     chan ConfirmationOutcome
	timer       *time.Timer
}

// ConfirmationGate holds high-risk invocations until an out-of-band
// approve/deny/cancel/timeout resolves them. Every resolution path
// routes through one resolver, so an entry can never resolve twice.
type ConfirmationGate struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]*pendingConfirmation
	logger  *slog.Logger
}

// GateOption configures a ConfirmationGate.
type GateOption func(*ConfirmationGate)

// GateTimeout overrides the default 5 minute decision window.
func GateTimeout(d time.Duration) GateOption {
	return func(g *ConfirmationGate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// GateLogger sets the structured logger for the gate.
func GateLogger(l *slog.Logger) GateOption {
	return func(g *ConfirmationGate) { g.logger = l }
}

// NewConfirmationGate creates an empty gate.
func NewConfirmationGate(opts ...GateOption) *ConfirmationGate {
	g := &ConfirmationGate{
		timeout: DefaultConfirmationTimeout,
		pending: make(map[string]*pendingConfirmation),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ConfirmationTicket is the awaitable handle returned by Request.
type ConfirmationTicket struct {
	ID      string
	outcome <-chan ConfirmationOutcome
}

// Wait blocks until the confirmation resolves or ctx is done.
// Context cancellation counts as a timeout outcome.
func (t *ConfirmationTicket) Wait(ctx context.Context) ConfirmationOutcome {
	select {
	case out := <-t.outcome:
		return out
	case <-ctx.Done():
		return ConfirmationOutcome{Approved: false, Reason: "timeout"}
	}
}

// Request registers a pending confirmation for id and arms its timeout
// timer. Duplicate ids are rejected.
func (g *ConfirmationGate) Request(id, tool string) (*ConfirmationTicket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.pending[id]; dup {
		return nil, fmt.Errorf("confirmation %q: %w", id, ErrDuplicateConfirmation)
	}
	p := &pendingConfirmation{
		tool:        tool,
		requestedAt: NowUTC(),
		outcome:     make(chan ConfirmationOutcome, 1),
	}
	p.timer = time.AfterFunc(g.timeout, func() {
		g.resolve(id, ConfirmationOutcome{Approved: false, Reason: "timeout"})
	})
	g.pending[id] = p
	return &ConfirmationTicket{ID: id, outcome: p.outcome}, nil
}

// resolve delivers the outcome exactly once. Sending on the buffered
// channel never blocks the lock.
func (g *ConfirmationGate) resolve(id string, out ConfirmationOutcome) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		p.timer.Stop()
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	p.outcome <- out
	g.logger.Debug("confirmation resolved",
		"id", id, "tool", p.tool, "approved", out.Approved, "reason", out.Reason)
	return true
}

// Approve resolves id as approved.
func (g *ConfirmationGate) Approve(id string) bool {
	return g.resolve(id, ConfirmationOutcome{Approved: true})
}

// Deny resolves id as denied.
func (g *ConfirmationGate) Deny(id string) bool {
	return g.resolve(id, ConfirmationOutcome{Approved: false, Reason: "denied"})
}

// Cancel resolves id as a timeout, the outcome cancellation shares.
func (g *ConfirmationGate) Cancel(id string) bool {
	return g.resolve(id, ConfirmationOutcome{Approved: false, Reason: "timeout"})
}

// CancelAll resolves every pending confirmation as a timeout. Called on
// shutdown.
func (g *ConfirmationGate) CancelAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.Cancel(id)
	}
}

// Pending reports the number of unresolved confirmations.
func (g *ConfirmationGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// ApprovalSet is the short-lived pre-approval set seeded by the
// out-of-band confirmation channel. A correlation id present in the set
// lets a high-risk invocation skip the gate; entries are drained on use
// and expire after ttl.
type ApprovalSet struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[string]time.Time
}

// NewApprovalSet creates a set whose entries live for ttl; ttl <= 0
// selects the gate's default timeout.
func NewApprovalSet(ttl time.Duration) *ApprovalSet {
	if ttl <= 0 {
		ttl = DefaultConfirmationTimeout
	}
	return &ApprovalSet{ttl: ttl, now: time.Now, m: make(map[string]time.Time)}
}

// Add pre-approves correlation.
func (s *ApprovalSet) Add(correlation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[correlation] = s.now().Add(s.ttl)
}

// Take consumes the pre-approval for correlation, reporting whether a
// live entry existed. Expired entries are swept on the way through.
func (s *ApprovalSet) Take(correlation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for c, deadline := range s.m {
		if deadline.Before(now) {
			delete(s.m, c)
		}
	}
	if _, ok := s.m[correlation]; ok {
		delete(s.m, correlation)
		return true
	}
	return false
}
