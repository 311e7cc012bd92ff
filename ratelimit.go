package carapace

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig shapes one token bucket: refill at
// RequestsPerMinute/60 tokens per second, saturating at Burst.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// DefaultRateLimit is applied when a tool has no specific limit.
var DefaultRateLimit = RateLimitConfig{RequestsPerMinute: 60, Burst: 10}

// RateLimiter holds one token bucket per (session, tool). Buckets are
// created lazily and swept when the owning session is destroyed, so
// independent sessions never share a budget.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	now     func() time.Time
	buckets map[string]*rate.Limiter
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithClock injects a time source, making tests deterministic.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter with the given per-bucket config;
// zero values select DefaultRateLimit.
func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimit.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimit.Burst
	}
	l := &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// bucketKey joins session and tool. Session ids are UUIDs, so '\x00'
// cannot collide with id content.
func bucketKey(sessionID, tool string) string {
	return sessionID + "\x00" + tool
}

// TryAcquire takes one token from the (session, tool) bucket. When the
// bucket is empty it returns false and the whole-second retry-after
// hint, ceil(time until the next token).
func (l *RateLimiter) TryAcquire(sessionID, tool string) (bool, int64) {
	l.mu.Lock()
	key := bucketKey(sessionID, tool)
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.Burst)
		l.buckets[key] = lim
	}
	now := l.now()
	l.mu.Unlock()

	if lim.AllowN(now, 1) {
		return true, 0
	}
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	retryAfter := int64(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// ForgetSession drops every bucket owned by sessionID.
func (l *RateLimiter) ForgetSession(sessionID string) {
	prefix := sessionID + "\x00"
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.buckets, key)
		}
	}
}

// BucketCount reports how many live buckets exist, for diagnostics.
func (l *RateLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
