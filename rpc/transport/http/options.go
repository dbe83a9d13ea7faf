package http

import (
	"crypto/tls"
	"net/http"

	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tern/rpc/bridge"
)

// config holds configuration for HTTP carriers.
type config struct {
	// TLS configuration for HTTPS connections.
	tlsConfig *tls.Config

	// HTTP client for making requests (client-side only).
	httpClient *http.Client

	// Custom headers to include in requests.
	headers http.Header

	// Backoff between failed connection attempts and how many to make per call.
	retryPolicy     exponential.Policy
	maxDialAttempts int

	bridge []bridge.Option
}

func defaultConfig() *config {
	return &config{
		headers:         make(http.Header),
		retryPolicy:     exponential.FastRetryPolicy(),
		maxDialAttempts: 3,
	}
}

func newConfig(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures an HTTP carrier.
type Option func(*config)

// WithTLSConfig sets the TLS configuration for HTTPS connections.
// If not set, the default TLS configuration is used for HTTPS URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithHTTPClient sets the HTTP client used to open calls. Its transport must
// support full-duplex HTTP/2 request bodies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithHeader adds a header sent with every call's request.
func WithHeader(key, value string) Option {
	return func(c *config) {
		c.headers.Add(key, value)
	}
}

// WithRetryPolicy sets the backoff between failed connection attempts.
// If not set, exponential.FastRetryPolicy() is used.
func WithRetryPolicy(policy exponential.Policy) Option {
	return func(c *config) {
		c.retryPolicy = policy
	}
}

// WithMaxDialAttempts sets how many times a call's stream is opened before the
// call fails with UNAVAILABLE. Default is 3.
func WithMaxDialAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDialAttempts = n
		}
	}
}

// WithBridgeOptions passes options to the bridge client or server.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(c *config) {
		c.bridge = append(c.bridge, opts...)
	}
}
