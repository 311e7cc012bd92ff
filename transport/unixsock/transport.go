package unixsock

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/carapacehq/carapace"
)

// RequestSocketName and EventSocketName are the fixed socket file
// names under the run directory.
const (
	RequestSocketName = "requests.sock"
	EventSocketName   = "events.sock"
)

// Transport owns the two sockets of one carapace host: the ROUTER-style
// request socket and the PUB-style event socket.
type Transport struct {
	Router *Router
	Events *EventSocket
}

// New creates a transport rooted at dir (usually <home>/run/sockets).
func New(dir string, sink RequestSink, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		Router: NewRouter(filepath.Join(dir, RequestSocketName), sink, logger),
		Events: NewEventSocket(filepath.Join(dir, EventSocketName), logger),
	}
}

// Start binds both sockets. On partial failure everything already
// bound is torn down.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.Events.Start(ctx); err != nil {
		return err
	}
	if err := t.Router.Start(ctx); err != nil {
		t.Events.Stop()
		return err
	}
	return nil
}

// Stop closes both sockets and unlinks their files. Inbound acceptance
// stops before the event socket so in-flight responses can still be
// delivered by the pipeline.
func (t *Transport) Stop() {
	t.Router.Stop()
	t.Events.Stop()
}

// Publish broadcasts on the event socket.
func (t *Transport) Publish(env carapace.Envelope) { t.Events.Publish(env) }

var _ carapace.Publisher = (*Transport)(nil)
