package carapace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// GroupPolicy configures one authorisation group for the lifecycle
// manager.
type GroupPolicy struct {
	Name          string
	MaxContainers int
}

// LifecycleConfig shapes the container lifecycle manager.
type LifecycleConfig struct {
	Image     string
	SocketDir string
	Groups    []GroupPolicy
	// QueueSize bounds deferred triggers per group; 0 selects
	// 4 * MaxContainers.
	QueueSize int
	StopGrace time.Duration
	User      string
}

// LifecycleMetrics receives container lifecycle observations.
type LifecycleMetrics interface {
	ContainerStarted(group string)
	ContainerStopped(group string, err bool)
	TriggerShed(group string)
}

// DefaultStopGrace is the window a container gets between stop and
// force-kill.
const DefaultStopGrace = 10 * time.Second

type managedContainer struct {
	id        string
	group     string
	sessionID string
	cancel    context.CancelFunc
}

type spawnTrigger struct {
	group   string
	eventID string
}

// LifecycleManager subscribes to message.inbound and task.triggered
// events, spawns one agent container per trigger up to the per-group
// cap, attaches an output reader to each, and tears everything down on
// shutdown. It owns both the containers and their readers; readers only
// know a bus handle and a store handle.
type LifecycleManager struct {
	runtime   ContainerRuntime
	sessions  *SessionManager
	store     ResumeTokenStore
	bus       Publisher
	sanitizer *Sanitizer
	cfg       LifecycleConfig
	metrics   LifecycleMetrics
	logger    *slog.Logger

	mu        sync.Mutex
	groups    map[string]GroupPolicy
	running   map[string]*managedContainer
	byGroup   map[string]int
	queues    map[string][]spawnTrigger
	runCtx    context.Context
	shutdown  bool

	wg sync.WaitGroup
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// LifecycleLogger sets the structured logger.
func LifecycleLogger(l *slog.Logger) LifecycleOption {
	return func(m *LifecycleManager) { m.logger = l }
}

// LifecycleSanitizer enables sanitising on the attached readers.
func LifecycleSanitizer(s *Sanitizer) LifecycleOption {
	return func(m *LifecycleManager) { m.sanitizer = s }
}

// LifecycleMetricsOption attaches lifecycle metrics.
func LifecycleMetricsOption(mx LifecycleMetrics) LifecycleOption {
	return func(m *LifecycleManager) { m.metrics = mx }
}

// NewLifecycleManager wires a manager. runtime, sessions and bus are
// required; store may be nil when resume tokens are not persisted.
func NewLifecycleManager(runtime ContainerRuntime, sessions *SessionManager, store ResumeTokenStore, bus Publisher, cfg LifecycleConfig, opts ...LifecycleOption) *LifecycleManager {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	m := &LifecycleManager{
		runtime:  runtime,
		sessions: sessions,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		logger:   nopLogger,
		groups:   make(map[string]GroupPolicy),
		running:  make(map[string]*managedContainer),
		byGroup:  make(map[string]int),
		queues:   make(map[string][]spawnTrigger),
	}
	for _, g := range cfg.Groups {
		if g.MaxContainers <= 0 {
			g.MaxContainers = 1
		}
		m.groups[g.Name] = g
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes triggering events until ctx is done. It is the
// manager's single task; all spawning flows through it.
func (m *LifecycleManager) Run(ctx context.Context, events <-chan Envelope) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Topic != TopicMessageInbound && ev.Topic != TopicTaskTriggered {
				continue
			}
			if _, configured := m.groups[ev.Group]; !configured {
				continue
			}
			m.trigger(ctx, spawnTrigger{group: ev.Group, eventID: ev.ID})
		}
	}
}

// RunningCount reports the number of live containers in group.
func (m *LifecycleManager) RunningCount(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byGroup[group]
}

// QueuedCount reports the number of deferred triggers for group.
func (m *LifecycleManager) QueuedCount(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[group])
}

func (m *LifecycleManager) queueLimit(group string) int {
	if m.cfg.QueueSize > 0 {
		return m.cfg.QueueSize
	}
	return 4 * m.groups[group].MaxContainers
}

// trigger spawns immediately when the group has capacity, otherwise
// queues the trigger, shedding the oldest queued one on overflow with
// an agent.error event.
func (m *LifecycleManager) trigger(ctx context.Context, t spawnTrigger) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	policy := m.groups[t.group]
	if m.byGroup[t.group] >= policy.MaxContainers {
		q := append(m.queues[t.group], t)
		var shed *spawnTrigger
		if len(q) > m.queueLimit(t.group) {
			dropped := q[0]
			shed = &dropped
			q = q[1:]
		}
		m.queues[t.group] = q
		m.mu.Unlock()
		if shed != nil {
			m.logger.Warn("spawn queue overflow", "group", t.group, "dropped_event", shed.eventID)
			m.publishAgentError(t.group, "", "spawn queue overflow; oldest trigger dropped")
			if m.metrics != nil {
				m.metrics.TriggerShed(t.group)
			}
		}
		return
	}
	m.byGroup[t.group]++
	m.mu.Unlock()

	if err := m.spawn(ctx, t.group); err != nil {
		m.mu.Lock()
		m.byGroup[t.group]--
		m.mu.Unlock()
		m.logger.Error("spawn failed", "group", t.group, "error", err)
		m.publishAgentError(t.group, "", "spawn failed: "+err.Error())
		if m.metrics != nil {
			m.metrics.ContainerStopped(t.group, true)
		}
	}
}

// spawn starts one agent container for group and attaches its reader.
func (m *LifecycleManager) spawn(ctx context.Context, group string) error {
	sessionID := NewID()

	env := map[string]string{
		"CARAPACE_SESSION_ID": sessionID,
		"CARAPACE_GROUP":      group,
	}
	if m.store != nil {
		if token, ok, err := m.store.GetLatest(ctx, group); err != nil {
			m.logger.Warn("resume token lookup failed", "group", group, "error", err)
		} else if ok {
			env["CARAPACE_RESUME_TOKEN"] = token.ClaudeSessionID
		}
	}

	spec := RunSpec{
		Image: m.cfg.Image,
		Name:  fmt.Sprintf("carapace-%s-%s", group, sessionID[:8]),
		Env:   env,
		Mounts: []Mount{
			{Source: filepath.Join(m.cfg.SocketDir, "requests.sock"), Target: "/run/carapace/requests.sock"},
			{Source: filepath.Join(m.cfg.SocketDir, "events.sock"), Target: "/run/carapace/events.sock"},
		},
		Tmpfs:           map[string]string{"/tmp": "rw,size=64m"},
		ReadOnlyRootFS:  true,
		User:            m.cfg.User,
		DropAllCaps:     true,
		NetworkDisabled: true,
		Labels: map[string]string{
			"io.carapace.group":   group,
			"io.carapace.session": sessionID,
		},
	}

	cid, err := m.runtime.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("run container: %w", err)
	}

	stream, err := m.runtime.StreamOutput(ctx, cid)
	if err != nil {
		_ = m.runtime.Kill(context.WithoutCancel(ctx), cid)
		_ = m.runtime.Remove(context.WithoutCancel(ctx), cid)
		return fmt.Errorf("attach output: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	mc := &managedContainer{id: cid, group: group, sessionID: sessionID, cancel: cancel}
	m.mu.Lock()
	m.running[cid] = mc
	m.mu.Unlock()

	m.publishEvent(TopicAgentStarted, group, cid, map[string]any{
		"container_id": cid,
		"session_id":   sessionID,
	})
	if m.metrics != nil {
		m.metrics.ContainerStarted(group)
	}
	m.logger.Info("container started", "group", group, "container", cid, "session", sessionID)

	var opts []ReaderOption
	if m.sanitizer != nil {
		opts = append(opts, ReaderSanitizer(m.sanitizer))
	}
	opts = append(opts, ReaderLogger(m.logger))
	reader := NewOutputReader(cid, group, m.bus, m.store, opts...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := reader.Run(cctx, stream)
		_ = stream.Close()
		m.reap(cid, err)
	}()
	return nil
}

// reap cleans up one exited (or dead) container and pumps the group's
// queue.
func (m *LifecycleManager) reap(cid string, readErr error) {
	m.mu.Lock()
	mc, ok := m.running[cid]
	if ok {
		delete(m.running, cid)
		m.byGroup[mc.group]--
	}
	inShutdown := m.shutdown
	ctx := m.runCtx
	m.mu.Unlock()
	if !ok {
		return
	}
	mc.cancel()
	if ctx == nil {
		ctx = context.Background()
	}

	bg := context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(bg, m.cfg.StopGrace+5*time.Second)
	defer cancel()
	if err := m.runtime.Stop(stopCtx, cid, m.cfg.StopGrace); err != nil {
		_ = m.runtime.Kill(stopCtx, cid)
	}
	if err := m.runtime.Remove(stopCtx, cid); err != nil {
		m.logger.Warn("remove container", "container", cid, "error", err)
	}

	if s, found := m.sessions.DestroyByContainer(cid); found {
		m.logger.Debug("session destroyed", "session", s.ID, "container", cid)
	}

	if readErr != nil && !inShutdown {
		m.publishAgentError(mc.group, cid, "output stream failed: "+readErr.Error())
	} else {
		m.publishEvent(TopicAgentCompleted, mc.group, cid, map[string]any{
			"container_id": cid,
			"session_id":   mc.sessionID,
		})
	}
	if m.metrics != nil {
		m.metrics.ContainerStopped(mc.group, readErr != nil)
	}

	if !inShutdown {
		m.pumpQueue(mc.group)
	}
}

// pumpQueue spawns the next queued trigger for group, if any.
func (m *LifecycleManager) pumpQueue(group string) {
	m.mu.Lock()
	q := m.queues[group]
	if len(q) == 0 || m.shutdown {
		m.mu.Unlock()
		return
	}
	next := q[0]
	m.queues[group] = q[1:]
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	m.trigger(ctx, next)
}

// Shutdown stops every managed container in parallel: stop with the
// grace window, then force-kill the stragglers, then remove. It blocks
// until all readers have drained or ctx expires.
func (m *LifecycleManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]*managedContainer, 0, len(m.running))
	for _, mc := range m.running {
		ids = append(ids, mc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mc := range ids {
		wg.Add(1)
		go func(mc *managedContainer) {
			defer wg.Done()
			if err := m.runtime.Stop(ctx, mc.id, m.cfg.StopGrace); err != nil {
				m.logger.Warn("stop container", "container", mc.id, "error", err)
				_ = m.runtime.Kill(ctx, mc.id)
			}
			mc.cancel()
		}(mc)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with readers still draining")
	}
}

func (m *LifecycleManager) publishEvent(topic, group, source string, payload map[string]any) {
	if source == "" {
		source = "carapace-host"
	}
	env, err := NewEventEnvelope(topic, source, group, payload)
	if err != nil {
		m.logger.Error("build event", "topic", topic, "error", err)
		return
	}
	m.bus.Publish(env)
}

func (m *LifecycleManager) publishAgentError(group, source, reason string) {
	m.publishEvent(TopicAgentError, group, source, map[string]any{"reason": reason})
}
