// Package pool spreads calls over the addresses a target resolves to. A Pool is a
// transport.Caller: it keeps one SubConn per resolved address, probes each with
// the health service, and hands every call to a ready SubConn chosen by a
// resolver.Picker.
//
//	p, err := pool.New(ctx, "dns:///echo.internal:8080", func(addr string) (transport.Caller, error) {
//		return tcp.NewClient(addr)
//	})
//	conn := client.New(p)
package pool

import (
	"time"

	"github.com/gostdlib/base/retry/exponential"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/transport/resolver"
)

type config struct {
	picker resolver.Picker

	// healthCheckInterval is how often ready SubConns are probed. Zero disables
	// probing: a SubConn is ready as soon as its caller exists.
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	healthService       string

	resolver        resolver.Resolver
	resolveInterval time.Duration

	connectPolicy exponential.Policy
	log           *zap.Logger
}

func defaultConfig() *config {
	return &config{
		picker:              &resolver.RoundRobinPicker{},
		healthCheckInterval: 30 * time.Second,
		healthCheckTimeout:  5 * time.Second,
		connectPolicy:       exponential.FastRetryPolicy(),
		log:                 zap.NewNop(),
	}
}

// Option configures a Pool.
type Option func(*config)

// WithPicker sets how a ready SubConn is chosen. Default is round robin.
func WithPicker(p resolver.Picker) Option {
	return func(c *config) {
		if p != nil {
			c.picker = p
		}
	}
}

// WithHealthCheckInterval sets how often ready SubConns are probed. Default is 30
// seconds. Zero disables health checking.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *config) {
		c.healthCheckInterval = d
	}
}

// WithHealthCheckTimeout bounds one probe. Default is 5 seconds.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(c *config) {
		c.healthCheckTimeout = d
	}
}

// WithHealthService sets the service name probes ask about. Default is "", the
// server as a whole.
func WithHealthService(service string) Option {
	return func(c *config) {
		c.healthService = service
	}
}

// WithResolver uses r instead of building a resolver from the target.
func WithResolver(r resolver.Resolver) Option {
	return func(c *config) {
		c.resolver = r
	}
}

// WithResolveInterval re-resolves the target periodically. Default is 0, resolve
// only at creation and on ResolveNow.
func WithResolveInterval(d time.Duration) Option {
	return func(c *config) {
		c.resolveInterval = d
	}
}

// WithConnectPolicy sets the backoff between attempts to bring a SubConn up.
// Default is exponential.FastRetryPolicy().
func WithConnectPolicy(p exponential.Policy) Option {
	return func(c *config) {
		c.connectPolicy = p
	}
}

// WithLogger sets the logger for SubConn state changes.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}
