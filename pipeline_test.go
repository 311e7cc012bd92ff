package carapace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memAudit collects audit rows in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) Append(ctx context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) Query(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) last(t *testing.T) AuditEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		t.Fatal("no audit entries")
	}
	return a.entries[len(a.entries)-1]
}

type pipelineFixture struct {
	pipeline *Pipeline
	catalog  *Catalog
	gate     *ConfirmationGate
	audit    *memAudit
	clock    *fakeClock
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	catalog := NewCatalog()
	gate := NewConfirmationGate(GateTimeout(50 * time.Millisecond))
	audit := &memAudit{}
	p := NewPipeline(PipelineDeps{
		Catalog:        catalog,
		Sessions:       NewSessionManager(2),
		Limiter:        NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 3}, WithClock(clock.now)),
		Gate:           gate,
		Approvals:      NewApprovalSet(time.Minute),
		Audit:          audit,
		HandlerTimeout: 100 * time.Millisecond,
	})
	return &pipelineFixture{pipeline: p, catalog: catalog, gate: gate, audit: audit, clock: clock}
}

func frame(topic, correlation string, args string) []byte {
	return []byte(fmt.Sprintf(`{"topic":%q,"correlation":%q,"arguments":%s}`, topic, correlation, args))
}

func (f *pipelineFixture) handshake(t *testing.T, identity, group string) Session {
	t.Helper()
	env := f.pipeline.Handle(context.Background(), identity,
		frame(TopicAgentStarted, "hs-"+identity, fmt.Sprintf(`{"group":%q,"container_id":"cid-1"}`, group)))
	if env == nil {
		t.Fatal("handshake dropped")
	}
	result, ep := decodeResponse(t, env)
	if ep != nil {
		t.Fatalf("handshake failed: %+v", ep)
	}
	var s Session
	if err := json.Unmarshal(result, &s); err != nil {
		t.Fatalf("handshake result: %v", err)
	}
	return s
}

func decodeResponse(t *testing.T, env *Envelope) (json.RawMessage, *ErrorPayload) {
	t.Helper()
	if env.Type != TypeResponse {
		t.Fatalf("not a response: %+v", env)
	}
	var p ResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return p.Result, p.Error
}

func TestPipelineHappyPath(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.catalog.Register(testDecl("echo"), HandlerFunc(func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		var args struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(req.Arguments, &args)
		out, _ := json.Marshal(map[string]string{"echoed": args.Message})
		return HandlerResult{Result: out}, nil
	})); err != nil {
		t.Fatal(err)
	}

	f.handshake(t, "conn-1", "research")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.echo", "c-1", `{"message":"hi"}`))
	result, ep := decodeResponse(t, env)
	if ep != nil {
		t.Fatalf("error: %+v", ep)
	}
	if string(result) != `{"echoed":"hi"}` {
		t.Errorf("result = %s", result)
	}
	if env.Correlation != "c-1" {
		t.Errorf("correlation = %q", env.Correlation)
	}

	entry := f.audit.last(t)
	if entry.Tool != "echo" || entry.Stage != StageDispatch || entry.Code != "" {
		t.Errorf("audit entry: %+v", entry)
	}
}

func TestPipelineDropsSilently(t *testing.T) {
	f := newPipelineFixture(t)
	// Malformed JSON with no recoverable correlation.
	if env := f.pipeline.Handle(context.Background(), "conn-1", []byte(`{broken`)); env != nil {
		t.Errorf("malformed frame answered: %+v", env)
	}
	// Valid frame without correlation.
	if env := f.pipeline.Handle(context.Background(), "conn-1",
		[]byte(`{"topic":"tool.invoke.echo","arguments":{}}`)); env != nil {
		t.Errorf("uncorrelated frame answered: %+v", env)
	}
}

func TestPipelineRequiresHandshake(t *testing.T) {
	f := newPipelineFixture(t)
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.echo", "c-1", `{}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", ep)
	}
}

func TestPipelineHandshakeCap(t *testing.T) {
	f := newPipelineFixture(t)
	f.handshake(t, "conn-1", "g")
	f.handshake(t, "conn-2", "g")
	env := f.pipeline.Handle(context.Background(), "conn-3",
		frame(TopicAgentStarted, "hs-3", `{"group":"g"}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED on cap, got %+v", ep)
	}
}

func TestPipelineUnknownTool(t *testing.T) {
	f := newPipelineFixture(t)
	f.handshake(t, "conn-1", "g")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.missing", "c-1", `{}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeUnknownTool || ep.Stage != StageLookup {
		t.Fatalf("got %+v", ep)
	}
	if ep.Retriable {
		t.Error("UNKNOWN_TOOL must not be retriable")
	}
}

func TestPipelineValidation(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.catalog.Register(testDecl("echo"), okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.echo", "c-1", `{}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeValidationFailed || ep.Stage != StageValidate {
		t.Fatalf("got %+v", ep)
	}
	if ep.Field != "message" {
		t.Errorf("field = %q", ep.Field)
	}
}

func TestPipelineGroupAuthorisation(t *testing.T) {
	f := newPipelineFixture(t)
	decl := testDecl("deploy")
	decl.Groups = []string{"ops"}
	if err := f.catalog.Register(decl, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "research")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeUnauthorized || ep.Stage != StageAuthorize {
		t.Fatalf("got %+v", ep)
	}
}

func TestPipelineRateLimit(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.catalog.Register(testDecl("echo"), okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")
	for i := 0; i < 3; i++ {
		env := f.pipeline.Handle(context.Background(), "conn-1",
			frame("tool.invoke.echo", fmt.Sprintf("c-%d", i), `{"message":"x"}`))
		if _, ep := decodeResponse(t, env); ep != nil {
			t.Fatalf("burst request %d failed: %+v", i, ep)
		}
	}
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.echo", "c-over", `{"message":"x"}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeRateLimited {
		t.Fatalf("got %+v", ep)
	}
	if !ep.Retriable || ep.RetryAfter < 1 {
		t.Errorf("retry hint wrong: %+v", ep)
	}
}

func TestPipelineConfirmationDenied(t *testing.T) {
	f := newPipelineFixture(t)
	decl := testDecl("deploy")
	decl.RiskLevel = RiskHigh
	if err := f.catalog.Register(decl, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")

	done := make(chan *Envelope, 1)
	go func() {
		done <- f.pipeline.Handle(context.Background(), "conn-1",
			frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	}()
	waitForPending(t, f.gate)
	f.gate.Deny("c-1")

	_, ep := decodeResponse(t, <-done)
	if ep == nil || ep.Code != CodeConfirmationDenied || ep.Stage != StageConfirm {
		t.Fatalf("got %+v", ep)
	}
}

func TestPipelineDuplicateConfirmationCorrelation(t *testing.T) {
	f := newPipelineFixture(t)
	decl := testDecl("deploy")
	decl.RiskLevel = RiskHigh
	if err := f.catalog.Register(decl, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")

	done := make(chan *Envelope, 1)
	go func() {
		done <- f.pipeline.Handle(context.Background(), "conn-1",
			frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	}()
	waitForPending(t, f.gate)

	// A second request reusing the pending correlation resolves as a
	// stage-5 denial without touching the first.
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeConfirmationDenied || ep.Stage != StageConfirm {
		t.Fatalf("duplicate correlation: %+v", ep)
	}

	f.gate.Approve("c-1")
	result, ep := decodeResponse(t, <-done)
	if ep != nil || string(result) != `{}` {
		t.Fatalf("original request disturbed: %s %+v", result, ep)
	}
}

func TestPipelineConfirmationTimeout(t *testing.T) {
	f := newPipelineFixture(t)
	decl := testDecl("deploy")
	decl.RiskLevel = RiskMedium
	if err := f.catalog.Register(decl, okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	_, ep := decodeResponse(t, env)
	if ep == nil || ep.Code != CodeConfirmationTimeout {
		t.Fatalf("got %+v", ep)
	}
	if !ep.Retriable {
		t.Error("CONFIRMATION_TIMEOUT must be retriable")
	}
}

func TestPipelinePreApproval(t *testing.T) {
	f := newPipelineFixture(t)
	decl := testDecl("deploy")
	decl.RiskLevel = RiskHigh
	if err := f.catalog.Register(decl, okHandler(`{"done":true}`)); err != nil {
		t.Fatal(err)
	}
	f.handshake(t, "conn-1", "g")
	f.pipeline.Approvals.Add("c-1")

	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.deploy", "c-1", `{"message":"x"}`))
	result, ep := decodeResponse(t, env)
	if ep != nil {
		t.Fatalf("pre-approved call failed: %+v", ep)
	}
	if string(result) != `{"done":true}` {
		t.Errorf("result = %s", result)
	}
	// The approval was drained: a second identical correlation waits.
	env = f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.deploy", "c-2", `{"message":"x"}`))
	if _, ep := decodeResponse(t, env); ep == nil || ep.Code != CodeConfirmationTimeout {
		t.Fatalf("second call skipped the gate: %+v", ep)
	}
}

func TestPipelineDispatchFailures(t *testing.T) {
	f := newPipelineFixture(t)

	handlerErr := testDecl("handler_err")
	_ = f.catalog.Register(handlerErr, HandlerFunc(func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		return HandlerResult{Err: &ErrorPayload{Code: CodeHandlerError, Message: "domain failure"}}, nil
	}))

	goErr := testDecl("go_err")
	_ = f.catalog.Register(goErr, HandlerFunc(func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		return HandlerResult{}, fmt.Errorf("boom")
	}))

	panics := testDecl("panics")
	_ = f.catalog.Register(panics, HandlerFunc(func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		panic("unexpected")
	}))

	slow := testDecl("slow")
	_ = f.catalog.Register(slow, HandlerFunc(func(ctx context.Context, req HandlerRequest) (HandlerResult, error) {
		time.Sleep(time.Second)
		return HandlerResult{Result: json.RawMessage(`{}`)}, nil
	}))

	f.handshake(t, "conn-1", "g")
	cases := []struct {
		tool string
		code Code
	}{
		{"handler_err", CodeHandlerError},
		{"go_err", CodePluginError},
		{"panics", CodePluginError},
		{"slow", CodePluginTimeout},
	}
	for _, tc := range cases {
		env := f.pipeline.Handle(context.Background(), "conn-1",
			frame("tool.invoke."+tc.tool, "c-"+tc.tool, `{"message":"x"}`))
		_, ep := decodeResponse(t, env)
		if ep == nil || ep.Code != tc.code {
			t.Errorf("%s: got %+v, want %s", tc.tool, ep, tc.code)
		}
		if ep != nil && ep.Stage != StageDispatch {
			t.Errorf("%s: stage = %d", tc.tool, ep.Stage)
		}
	}
}

func TestPipelineBuiltins(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.catalog.Register(testDecl("echo"), okHandler(`{}`)); err != nil {
		t.Fatal(err)
	}
	session := f.handshake(t, "conn-1", "g")

	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.list_tools", "c-1", `{}`))
	result, ep := decodeResponse(t, env)
	if ep != nil {
		t.Fatalf("list_tools: %+v", ep)
	}
	if !json.Valid(result) {
		t.Errorf("list_tools result invalid: %s", result)
	}

	env = f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.get_session_info", "c-2", `{}`))
	result, ep = decodeResponse(t, env)
	if ep != nil {
		t.Fatalf("get_session_info: %+v", ep)
	}
	var got Session
	if err := json.Unmarshal(result, &got); err != nil || got.ID != session.ID {
		t.Errorf("session info = %s (err %v)", result, err)
	}

	env = f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.get_diagnostics", "c-3", `{}`))
	if _, ep = decodeResponse(t, env); ep != nil {
		t.Fatalf("get_diagnostics: %+v", ep)
	}
}

func TestPipelineSanitisesResults(t *testing.T) {
	f := newPipelineFixture(t)
	s, err := NewSanitizer(nil)
	if err != nil {
		t.Fatal(err)
	}
	f.pipeline.Sanitizer = s
	leaky := testDecl("leaky")
	_ = f.catalog.Register(leaky, okHandler(`{"token":"Bearer abcdef0123456789abcdef"}`))

	f.handshake(t, "conn-1", "g")
	env := f.pipeline.Handle(context.Background(), "conn-1",
		frame("tool.invoke.leaky", "c-1", `{"message":"x"}`))
	result, ep := decodeResponse(t, env)
	if ep != nil {
		t.Fatal(ep)
	}
	var doc map[string]string
	_ = json.Unmarshal(result, &doc)
	if doc["token"] != Redacted {
		t.Errorf("credential escaped: %s", result)
	}
}

func waitForPending(t *testing.T, g *ConfirmationGate) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("confirmation never became pending")
		}
		time.Sleep(time.Millisecond)
	}
}
