package carapace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Pipeline stage indices, used in audit rows and error payloads.
const (
	StageParse     = 1
	StageLookup    = 2
	StageValidate  = 3
	StageAuthorize = 4
	StageConfirm   = 5
	StageDispatch  = 6
)

// DefaultHandlerTimeout bounds a dispatch when the tool declares no
// timeout of its own.
const DefaultHandlerTimeout = 30 * time.Second

// PipelineMetrics receives one observation per terminated request.
// code is empty on success.
type PipelineMetrics interface {
	RequestHandled(tool string, stage int, code Code, d time.Duration)
}

// Pipeline drives every inbound request through six ordered stages:
// parse, lookup, validate, authorise+throttle, confirm, dispatch. Each
// stage has exactly one failure code; later stages may reject, earlier
// stages always run. All collaborators are injected.
type Pipeline struct {
	Source    string
	Catalog   *Catalog
	Sessions  *SessionManager
	Limiter   *RateLimiter
	Gate      *ConfirmationGate
	Approvals *ApprovalSet
	Audit     AuditLog
	Sanitizer *Sanitizer
	Metrics   PipelineMetrics
	Logger    *slog.Logger

	HandlerTimeout time.Duration

	builtins  map[string]*ToolEntry
	startedAt time.Time
}

// PipelineDeps collects the pipeline's collaborators.
type PipelineDeps struct {
	Source    string
	Catalog   *Catalog
	Sessions  *SessionManager
	Limiter   *RateLimiter
	Gate      *ConfirmationGate
	Approvals *ApprovalSet
	Audit     AuditLog
	Sanitizer *Sanitizer
	Metrics   PipelineMetrics
	Logger    *slog.Logger

	HandlerTimeout time.Duration
}

// NewPipeline wires a pipeline. Catalog, Sessions, Limiter, Gate and
// Audit are required.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		Source:         deps.Source,
		Catalog:        deps.Catalog,
		Sessions:       deps.Sessions,
		Limiter:        deps.Limiter,
		Gate:           deps.Gate,
		Approvals:      deps.Approvals,
		Audit:          deps.Audit,
		Sanitizer:      deps.Sanitizer,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
		HandlerTimeout: deps.HandlerTimeout,
		startedAt:      NowUTC(),
	}
	if p.Source == "" {
		p.Source = "carapace-host"
	}
	if p.Logger == nil {
		p.Logger = nopLogger
	}
	if p.HandlerTimeout <= 0 {
		p.HandlerTimeout = DefaultHandlerTimeout
	}
	if p.Approvals == nil {
		p.Approvals = NewApprovalSet(0)
	}
	p.builtins = builtinTools(p)
	return p
}

// Handle drives one inbound frame through the pipeline. The returned
// envelope is written back on the ROUTER by the transport; nil means
// the frame is dropped silently (no correlation to reply to).
func (p *Pipeline) Handle(ctx context.Context, identity string, frame []byte) *Envelope {
	start := NowUTC()

	// Stage 1: parse.
	msg, werr := DecodeWireMessage(frame)
	if werr != nil {
		if werr.Correlation == "" {
			p.Logger.Warn("dropping malformed frame", "identity", identity, "reason", werr.Reason)
			return nil
		}
		ep := NewError(CodeValidationFailed, StageParse, werr.Reason)
		ep.Field = werr.Field
		return p.finish(ctx, Session{}, "", werr.Correlation, StageParse, ep, nil, start)
	}
	if msg.Correlation == "" {
		p.Logger.Warn("dropping frame without correlation", "identity", identity, "topic", msg.Topic)
		return nil
	}

	// Handshake: the first frame from a connection must be an
	// agent.started request that claims a group and binds the session.
	if msg.Topic == TopicAgentStarted {
		return p.handshake(ctx, identity, msg, start)
	}

	session, ok := p.Sessions.Lookup(identity)
	if !ok {
		ep := NewError(CodeUnauthorized, StageAuthorize, "connection has no session; send agent.started first")
		return p.finish(ctx, Session{}, "", msg.Correlation, StageAuthorize, ep, nil, start)
	}

	name, ok := ToolNameFromTopic(msg.Topic)
	if !ok {
		ep := NewError(CodeValidationFailed, StageParse, fmt.Sprintf("topic %q is not requestable", msg.Topic))
		ep.Field = "topic"
		return p.finish(ctx, session, "", msg.Correlation, StageParse, ep, nil, start)
	}

	// Stage 2: lookup. Reserved names resolve to built-in tools the
	// core serves itself.
	entry, found := p.builtins[name]
	if !found {
		entry, found = p.Catalog.Lookup(name)
	}
	if !found {
		ep := NewError(CodeUnknownTool, StageLookup, fmt.Sprintf("no tool named %q", name))
		return p.finish(ctx, session, name, msg.Correlation, StageLookup, ep, nil, start)
	}

	// Stage 3: validate.
	if ep := entry.ValidateArgs(msg.Arguments); ep != nil {
		return p.finish(ctx, session, name, msg.Correlation, StageValidate, ep, nil, start)
	}

	// Stage 4: authorise + throttle.
	if !entry.Decl.AllowsGroup(session.Group) {
		ep := NewError(CodeUnauthorized, StageAuthorize,
			fmt.Sprintf("group %q may not invoke %q", session.Group, name))
		return p.finish(ctx, session, name, msg.Correlation, StageAuthorize, ep, nil, start)
	}
	if ok, retryAfter := p.Limiter.TryAcquire(session.ID, name); !ok {
		ep := NewError(CodeRateLimited, StageAuthorize, "rate limit exceeded")
		ep.RetryAfter = retryAfter
		return p.finish(ctx, session, name, msg.Correlation, StageAuthorize, ep, nil, start)
	}

	// Stage 5: confirm. Pre-approvals are drained on use.
	if entry.Decl.RiskLevel != RiskLow && !p.Approvals.Take(msg.Correlation) {
		ticket, err := p.Gate.Request(msg.Correlation, name)
		if err != nil {
			// A second in-flight confirmation with the same correlation
			// cannot be granted, so it resolves as denied.
			ep := NewError(CodeConfirmationDenied, StageConfirm, err.Error())
			return p.finish(ctx, session, name, msg.Correlation, StageConfirm, ep, nil, start)
		}
		outcome := ticket.Wait(ctx)
		if !outcome.Approved {
			code := CodeConfirmationTimeout
			if outcome.Reason == "denied" {
				code = CodeConfirmationDenied
			}
			ep := NewError(code, StageConfirm, "confirmation "+outcome.Reason)
			return p.finish(ctx, session, name, msg.Correlation, StageConfirm, ep, nil, start)
		}
	}

	// Stage 6: dispatch.
	result, ep := p.dispatch(ctx, entry, HandlerRequest{
		Tool:        name,
		Correlation: msg.Correlation,
		Arguments:   msg.Arguments,
		Session:     session,
	})
	return p.finish(ctx, session, name, msg.Correlation, StageDispatch, ep, result, start)
}

// handshake binds the connection identity to a session. The claimed
// group and container id arrive in the arguments object; a pre-assigned
// session id from the container environment may ride along.
func (p *Pipeline) handshake(ctx context.Context, identity string, msg WireMessage, start time.Time) *Envelope {
	var claim struct {
		Group       string `json:"group"`
		ContainerID string `json:"container_id"`
		SessionID   string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Arguments, &claim); err != nil || claim.Group == "" {
		ep := NewError(CodeValidationFailed, StageParse, "agent.started requires a group claim")
		ep.Field = "group"
		return p.finish(ctx, Session{}, "", msg.Correlation, StageParse, ep, nil, start)
	}
	session, err := p.Sessions.BindOrCreate(identity, claim.Group, claim.ContainerID, claim.SessionID)
	if err != nil {
		ep := NewError(CodeRateLimited, StageAuthorize, err.Error())
		return p.finish(ctx, Session{Group: claim.Group}, "", msg.Correlation, StageAuthorize, ep, nil, start)
	}
	result, _ := json.Marshal(session)
	return p.finish(ctx, session, "", msg.Correlation, StageParse, nil, result, start)
}

// dispatch invokes the handler with the per-tool deadline and maps its
// failure modes into the stage 6 codes.
func (p *Pipeline) dispatch(ctx context.Context, entry *ToolEntry, req HandlerRequest) (json.RawMessage, *ErrorPayload) {
	if entry.Handler == nil {
		return nil, NewError(CodePluginUnavailable, StageDispatch, "no handler bound for tool")
	}

	timeout := p.HandlerTimeout
	if entry.Decl.TimeoutSeconds > 0 {
		timeout = time.Duration(entry.Decl.TimeoutSeconds) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res HandlerResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := entry.Handler.Invoke(hctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, NewError(CodePluginTimeout, StageDispatch, "shutdown while dispatching")
		}
		return nil, NewError(CodePluginTimeout, StageDispatch,
			fmt.Sprintf("handler exceeded %s deadline", timeout))
	case out := <-done:
		if out.err != nil {
			return nil, NewError(CodePluginError, StageDispatch, out.err.Error())
		}
		if out.res.Err != nil {
			ep := out.res.Err
			if !ep.Code.Valid() {
				ep = NewError(CodeHandlerError, StageDispatch, ep.Message)
			} else {
				ep.Stage = StageDispatch
			}
			return nil, ep
		}
		return out.res.Result, nil
	}
}

// finish sanitises the result, writes the audit row, updates metrics
// and builds the response envelope. The response is returned only
// after the audit write completes.
func (p *Pipeline) finish(ctx context.Context, session Session, tool, correlation string, stage int, ep *ErrorPayload, result json.RawMessage, start time.Time) *Envelope {
	if ep == nil && p.Sanitizer != nil && result != nil {
		result, _ = p.Sanitizer.Sanitize(result)
	}

	elapsed := NowUTC().Sub(start)
	entry := AuditEntry{
		Time:        start,
		SessionID:   session.ID,
		Group:       session.Group,
		Tool:        tool,
		Correlation: correlation,
		Stage:       stage,
		DurationMs:  elapsed.Milliseconds(),
	}
	if ep != nil {
		entry.Code = ep.Code
	}
	if p.Audit != nil {
		if err := p.Audit.Append(ctx, entry); err != nil {
			p.Logger.Error("audit append failed", "correlation", correlation, "error", err)
		}
	}
	if p.Metrics != nil {
		var code Code
		if ep != nil {
			code = ep.Code
		}
		p.Metrics.RequestHandled(tool, stage, code, elapsed)
	}

	env := NewResponseEnvelope(p.Source, session.Group, correlation, result, ep)
	return &env
}
