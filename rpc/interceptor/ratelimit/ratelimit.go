// Package ratelimit provides a rate limiting interceptor for RPC servers.
// Each key gets its own token bucket.
package ratelimit

import (
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"golang.org/x/time/rate"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

// KeyFunc extracts a rate limiting key from a call.
// Different calls with the same key share rate limits.
type KeyFunc func(info *call.Call) string

// ByMethod returns a KeyFunc that limits by method path.
// Format: "/service/method"
func ByMethod() KeyFunc {
	return func(info *call.Call) string {
		return info.Path()
	}
}

// ByClient returns a KeyFunc that limits by a metadata value.
// Use this to limit by client ID, API key, or similar identifier.
func ByClient(metadataKey string) KeyFunc {
	return func(info *call.Call) string {
		return info.Metadata().Get(metadataKey)
	}
}

// ByMethodAndClient returns a KeyFunc that limits by both method and client.
// Format: "/service/method:clientValue"
func ByMethodAndClient(metadataKey string) KeyFunc {
	return func(info *call.Call) string {
		return info.Path() + ":" + info.Metadata().Get(metadataKey)
	}
}

// Config configures a rate limiter.
type Config struct {
	// Rate is the number of requests allowed per second.
	Rate float64

	// Burst is the maximum number of requests that can be made at once.
	Burst int

	// KeyFunc extracts the rate limiting key from a call.
	// If nil, all calls share a single rate limit.
	KeyFunc KeyFunc
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter rate limits calls per key.
type Limiter struct {
	limit   rate.Limit
	burst   int
	keyFunc KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a new rate limiter with the given configuration.
func New(cfg Config) *Limiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 100 // Default: 100 req/sec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10 // Default: burst of 10
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(*call.Call) string { return "" }
	}

	return &Limiter{
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
		keyFunc: cfg.KeyFunc,
		buckets: make(map[string]*bucket),
	}
}

// allow reports whether a call with key may proceed.
func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b.lim.AllowN(now, 1)
}

// ServerInterceptor returns an interceptor that rejects calls over the limit with
// RESOURCE_EXHAUSTED. For streaming calls only the start of the call is limited, not
// individual messages.
func (l *Limiter) ServerInterceptor() interceptor.ServerInterceptor {
	return func(ctx context.Context, stream interceptor.ServerStream, info *call.Call, handler interceptor.Handler) error {
		if !l.allow(l.keyFunc(info)) {
			return errors.Errorf(status.ResourceExhausted, "rate limit exceeded for %s", info.Path())
		}
		return handler(ctx, stream)
	}
}

// Cleanup removes rate limit entries that haven't been used for the given duration.
// Call this periodically to prevent memory growth from many unique keys.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stats returns the number of tracked keys.
func (l *Limiter) Stats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
