// Package carapace is a host-side supervisor for AI-agent workloads
// running in isolated containers. Agents talk to the host over two
// Unix-domain sockets: a request/response channel and a broadcast
// event bus. The host authenticates each connection into a session,
// drives every tool invocation through a six-stage pipeline (parse,
// lookup, validate, authorise, confirm, dispatch), and in parallel
// turns container stdout into typed response events while persisting
// resume tokens for later restarts.
//
// The root package holds the engine: envelope and wire codec, tool
// catalog, session manager, rate limiter, confirmation gate, request
// pipeline, response sanitiser, container lifecycle manager, output
// reader and plugin loader. Edges live in subpackages: transport
// (transport/unixsock), container runtime (runtime/docker), storage
// (store/sqlite, store/postgres), observability (observer) and the
// daemon binary (cmd/carapaced).
package carapace
