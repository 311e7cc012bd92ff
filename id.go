package carapace

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique identifier for envelopes, sessions
// and containers.
func NewID() string {
	return uuid.NewString()
}

// NowUTC returns the current time in UTC, the timezone every envelope
// timestamp is stamped in.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// uuidV4RE matches the canonical UUID v4 text form. Resume tokens must
// have this shape before they are persisted.
var uuidV4RE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// IsUUIDv4 reports whether s is a well-formed lowercase UUID v4.
func IsUUIDv4(s string) bool {
	return uuidV4RE.MatchString(s)
}
