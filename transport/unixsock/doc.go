// Package unixsock carries the carapace wire protocol over Unix-domain
// sockets. A Router socket serves request/response frames keyed by a
// per-connection identity; an EventSocket broadcasts event envelopes to
// any number of subscribers, best-effort, plus an in-process fan-out
// channel for the lifecycle manager. Frames are 4-byte big-endian
// length prefixed payloads; event frames carry a length-prefixed topic
// before the payload.
package unixsock
