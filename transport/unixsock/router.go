package unixsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/carapacehq/carapace"
)

// RequestSink handles one decoded ROUTER frame. A nil return drops the
// frame silently.
type RequestSink interface {
	Handle(ctx context.Context, identity string, frame []byte) *carapace.Envelope
}

// Router is the request/response socket. Each accepted connection gets
// an opaque identity; every arriving frame runs in its own goroutine
// and the response is routed back by that identity.
type Router struct {
	path   string
	sink   RequestSink
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*routerConn
	started  bool
	nextID   uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type routerConn struct {
	identity string
	conn     net.Conn
	writeMu  sync.Mutex
}

// NewRouter creates a router bound to path when started.
func NewRouter(path string, sink RequestSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		path:   path,
		sink:   sink,
		logger: logger,
		conns:  make(map[string]*routerConn),
	}
}

// Start binds the socket (directory 0700, socket file 0600) and begins
// accepting. Starting twice fails fast.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return carapace.ErrAlreadyStarted
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	_ = os.Remove(r.path)
	ln, err := net.Listen("unix", r.path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", r.path, err)
	}
	if err := os.Chmod(r.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod %s: %w", r.path, err)
	}

	r.listener = ln
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.acceptLoop()
	r.logger.Info("router listening", "path", r.path)
	return nil
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}
		identity := fmt.Sprintf("conn-%d", atomic.AddUint64(&r.nextID, 1))
		rc := &routerConn{identity: identity, conn: conn}
		r.mu.Lock()
		r.conns[identity] = rc
		r.mu.Unlock()
		r.wg.Add(1)
		go r.serveConn(rc)
	}
}

// serveConn reads frames until the connection dies. Each frame is
// handled in an independent goroutine so a suspended confirmation does
// not stall the connection.
func (r *Router) serveConn(rc *routerConn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, rc.identity)
		r.mu.Unlock()
		_ = rc.conn.Close()
	}()

	for {
		frame, err := readFrame(rc.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && r.ctx.Err() == nil {
				// Malformed frame: log and drop the connection; there
				// is no correlation to reply to.
				r.logger.Warn("dropping connection", "identity", rc.identity, "error", err)
			}
			return
		}
		r.wg.Add(1)
		go func(frame []byte) {
			defer r.wg.Done()
			resp := r.sink.Handle(r.ctx, rc.identity, frame)
			if resp == nil {
				return
			}
			if err := r.send(rc, resp); err != nil {
				r.logger.Warn("response send failed",
					"identity", rc.identity, "correlation", resp.Correlation, "error", err)
			}
		}(frame)
	}
}

func (r *Router) send(rc *routerConn, env *carapace.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return writeFrame(rc.conn, payload)
}

// Identities returns the identities of the live connections.
func (r *Router) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stop closes the listener and every connection, then unlinks the
// socket file.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	ln := r.listener
	conns := make([]*routerConn, 0, len(r.conns))
	for _, rc := range r.conns {
		conns = append(conns, rc)
	}
	r.mu.Unlock()

	cancel()
	_ = ln.Close()
	for _, rc := range conns {
		_ = rc.conn.Close()
	}
	r.wg.Wait()
	_ = os.Remove(r.path)
}
