package unixsock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/carapacehq/carapace"
)

// subscriberBuffer bounds the per-subscriber send queue. A full queue
// drops the event rather than blocking the publisher.
const subscriberBuffer = 256

// EventSocket is the single-publisher broadcast bus. External
// subscribers connect to the UDS and receive (topic, payload) frames;
// in-process consumers subscribe through Subscribe and receive typed
// envelopes. Publishing never blocks: slow subscribers lose events and
// the loss is counted.
type EventSocket struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	subs     map[net.Conn]chan []byte
	local    map[int]chan carapace.Envelope
	nextSub  int
	started  bool

	drops atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventSocket creates an event socket bound to path when started.
func NewEventSocket(path string, logger *slog.Logger) *EventSocket {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventSocket{
		path:   path,
		logger: logger,
		subs:   make(map[net.Conn]chan []byte),
		local:  make(map[int]chan carapace.Envelope),
	}
}

// Start binds the socket and begins accepting subscribers.
func (e *EventSocket) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return carapace.ErrAlreadyStarted
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o700); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	_ = os.Remove(e.path)
	ln, err := net.Listen("unix", e.path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", e.path, err)
	}
	if err := os.Chmod(e.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod %s: %w", e.path, err)
	}
	e.listener = ln
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.acceptLoop()
	e.logger.Info("event socket listening", "path", e.path)
	return nil
}

func (e *EventSocket) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("event accept failed", "error", err)
			continue
		}
		ch := make(chan []byte, subscriberBuffer)
		e.mu.Lock()
		e.subs[conn] = ch
		e.mu.Unlock()
		e.wg.Add(1)
		go e.writeLoop(conn, ch)
	}
}

func (e *EventSocket) writeLoop(conn net.Conn, ch chan []byte) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.subs, conn)
		e.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// Subscribe registers an in-process consumer. The returned cancel
// function must be called to release the subscription.
func (e *EventSocket) Subscribe() (<-chan carapace.Envelope, func()) {
	ch := make(chan carapace.Envelope, subscriberBuffer)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.local[id] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.local, id)
		e.mu.Unlock()
	}
}

// Publish broadcasts env to every subscriber, best-effort. The frame
// layout is two length-prefixed segments: topic, then the envelope
// JSON.
func (e *EventSocket) Publish(env carapace.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("marshal event", "topic", env.Topic, "error", err)
		return
	}
	var buf bytes.Buffer
	_ = writeFrame(&buf, []byte(env.Topic))
	_ = writeFrame(&buf, payload)
	frame := buf.Bytes()

	e.mu.Lock()
	sockSubs := make([]chan []byte, 0, len(e.subs))
	for _, ch := range e.subs {
		sockSubs = append(sockSubs, ch)
	}
	localSubs := make([]chan carapace.Envelope, 0, len(e.local))
	for _, ch := range e.local {
		localSubs = append(localSubs, ch)
	}
	e.mu.Unlock()

	for _, ch := range sockSubs {
		select {
		case ch <- frame:
		default:
			e.drops.Add(1)
		}
	}
	for _, ch := range localSubs {
		select {
		case ch <- env:
		default:
			e.drops.Add(1)
		}
	}
}

// Drops reports how many events were lost to subscriber backpressure.
func (e *EventSocket) Drops() uint64 { return e.drops.Load() }

// Stop closes the listener and all subscriber connections, then
// unlinks the socket file.
func (e *EventSocket) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	ln := e.listener
	conns := make([]net.Conn, 0, len(e.subs))
	for conn := range e.subs {
		conns = append(conns, conn)
	}
	e.mu.Unlock()

	cancel()
	_ = ln.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	e.wg.Wait()
	_ = os.Remove(e.path)
}

var _ carapace.Publisher = (*EventSocket)(nil)
