package tcp

import (
	"crypto/tls"
	"time"

	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tern/rpc/bridge"
)

// config holds configuration for TCP carriers.
type config struct {
	// TLS configuration. If nil, plain TCP is used.
	tlsConfig *tls.Config

	// Backoff between failed dials (client only).
	retryPolicy exponential.Policy
	// Dials per call before giving up (client only).
	maxDialAttempts int
	// Timeout of a single dial.
	dialTimeout time.Duration
	// Zero disables keep-alives.
	keepAlive time.Duration

	bridge []bridge.Option
}

func defaultConfig() *config {
	return &config{
		retryPolicy:     exponential.FastRetryPolicy(),
		maxDialAttempts: 3,
		dialTimeout:     30 * time.Second,
		keepAlive:       30 * time.Second,
	}
}

func newConfig(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures a TCP carrier.
type Option func(*config)

// WithTLSConfig sets the TLS configuration. For clients it configures the client
// handshake, for listeners the server handshake. If not set, plain TCP is used.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithRetryPolicy sets the backoff between failed dials.
// If not set, exponential.FastRetryPolicy() is used.
func WithRetryPolicy(policy exponential.Policy) Option {
	return func(c *config) {
		c.retryPolicy = policy
	}
}

// WithMaxDialAttempts sets how many times a call's connection is dialed before the
// call fails with UNAVAILABLE. Default is 3.
func WithMaxDialAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDialAttempts = n
		}
	}
}

// WithDialTimeout sets the timeout of one dial. Default is 30 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = timeout
	}
}

// WithKeepAlive sets the keep-alive period for TCP connections.
// Default is 30 seconds. Set to zero to disable keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// WithBridgeOptions passes options to the bridge client or server.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(c *config) {
		c.bridge = append(c.bridge, opts...)
	}
}

// SlowRetryPolicy returns a slower retry policy suitable for unreliable networks.
func SlowRetryPolicy() exponential.Policy {
	return exponential.SecondsRetryPolicy()
}
