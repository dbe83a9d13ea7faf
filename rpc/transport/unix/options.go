package unix

import (
	"time"

	"github.com/gostdlib/base/retry/exponential"
	"github.com/gostdlib/base/values/sizes"

	"github.com/bearlytools/tern/rpc/bridge"
)

// config holds configuration for Unix socket carriers.
type config struct {
	// Backoff between failed dials (client only).
	retryPolicy     exponential.Policy
	maxDialAttempts int
	dialTimeout     time.Duration

	// Size of the bufio.Reader in front of each connection.
	readBufferSize int

	// File mode of the socket file (listener only).
	socketMode uint32
	// Remove a stale socket file before listening.
	unlinkExisting bool

	bridge []bridge.Option
}

func defaultConfig() *config {
	return &config{
		retryPolicy:     exponential.FastRetryPolicy(),
		maxDialAttempts: 3,
		dialTimeout:     30 * time.Second,
		readBufferSize:  64 * sizes.KiB,
		socketMode:      0600,
		unlinkExisting:  true,
	}
}

func newConfig(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures a Unix socket carrier.
type Option func(*config)

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

// WithReadBufferSize sets the read buffer size for each connection.
// Default is 64KiB.
func WithReadBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.readBufferSize = size
		}
	}
}

// WithSocketMode sets the file mode for the socket file.
// Only applies to listeners. Default is 0600.
func WithSocketMode(mode uint32) Option {
	return func(c *config) {
		c.socketMode = mode
	}
}

// WithUnlinkExisting controls whether an existing socket file is removed before
// listening. Default is true. Only applies to listeners.
func WithUnlinkExisting(unlink bool) Option {
	return func(c *config) {
		c.unlinkExisting = unlink
	}
}

// WithBridgeOptions passes options to the bridge client or server.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(c *config) {
		c.bridge = append(c.bridge, opts...)
	}
}
