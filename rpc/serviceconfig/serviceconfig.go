// Package serviceconfig provides per-method configuration for RPC calls.
// This allows setting default timeouts, retry and hedging policies on a
// per-service or per-method basis without modifying call sites.
package serviceconfig

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/hedge"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/retry"
)

// Global is the pattern that matches every method.
const Global = "*/*"

// MethodConfig configures behavior for matching methods.
type MethodConfig struct {
	// Timeout is the default timeout for calls to this method.
	// Zero means no default timeout (use context deadline only).
	// This timeout is only applied if the context does not already have a deadline.
	Timeout time.Duration `yaml:"timeout"`

	// Retry, if set, retries failed calls to this method.
	Retry *retry.Policy `yaml:"retry"`

	// Hedge, if set, hedges unary calls to this method. It is ignored when Retry
	// is set.
	Hedge *hedge.Policy `yaml:"hedge"`

	// Metadata holds default entries added to calls that don't carry the key.
	Metadata map[string]string `yaml:"metadata"`
}

// Config holds configuration for RPC services.
// It maps method patterns to their configuration.
type Config struct {
	// Methods maps method patterns to their configuration.
	// Patterns are matched in order of specificity:
	//   1. "pkg.Service/Method" - exact match
	//   2. "pkg.Service/*" - all methods in service
	//   3. "pkg.*/*" - all methods of services in package
	//   4. "*/*" - global default
	Methods map[string]MethodConfig `yaml:"methods"`
}

// New creates a new empty service config.
func New() *Config {
	return &Config{
		Methods: make(map[string]MethodConfig),
	}
}

// SetMethodConfig sets the configuration for a method pattern.
func (c *Config) SetMethodConfig(pattern string, cfg MethodConfig) *Config {
	if c.Methods == nil {
		c.Methods = make(map[string]MethodConfig)
	}
	c.Methods[pattern] = cfg
	return c
}

// SetTimeout is a convenience method to set just the timeout for a pattern.
func (c *Config) SetTimeout(pattern string, timeout time.Duration) *Config {
	cfg := c.Methods[pattern]
	cfg.Timeout = timeout
	return c.SetMethodConfig(pattern, cfg)
}

// SetRetry is a convenience method to set the retry policy for a pattern.
func (c *Config) SetRetry(pattern string, policy retry.Policy) *Config {
	cfg := c.Methods[pattern]
	cfg.Retry = &policy
	return c.SetMethodConfig(pattern, cfg)
}

// SetHedge is a convenience method to set the hedging policy for a pattern.
func (c *Config) SetHedge(pattern string, policy hedge.Policy) *Config {
	cfg := c.Methods[pattern]
	cfg.Hedge = &policy
	return c.SetMethodConfig(pattern, cfg)
}

// SetMetadata is a convenience method to add a default metadata entry for a pattern.
func (c *Config) SetMetadata(pattern, key, value string) *Config {
	cfg := c.Methods[pattern]
	cfg.Metadata = maps.Clone(cfg.Metadata)
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}
	cfg.Metadata[key] = value
	return c.SetMethodConfig(pattern, cfg)
}

// MethodConfig returns the configuration for desc.
// It tries to match in order of specificity:
//  1. Exact match: "pkg.Service/Method"
//  2. Service wildcard: "pkg.Service/*"
//  3. Package wildcard: "pkg.*/*"
//  4. Global wildcard: "*/*"
//
// Returns the matched config and true if found, or zero config and false if not.
func (c *Config) MethodConfig(desc call.Descriptor) (MethodConfig, bool) {
	if c == nil || len(c.Methods) == 0 {
		return MethodConfig{}, false
	}

	if cfg, ok := c.Methods[desc.Service+"/"+desc.Method]; ok {
		return cfg, true
	}
	if cfg, ok := c.Methods[desc.Service+"/*"]; ok {
		return cfg, true
	}
	if i := strings.LastIndexByte(desc.Service, '.'); i > 0 {
		if cfg, ok := c.Methods[desc.Service[:i]+".*/*"]; ok {
			return cfg, true
		}
	}
	if cfg, ok := c.Methods[Global]; ok {
		return cfg, true
	}
	return MethodConfig{}, false
}

// Timeout returns the timeout for desc. Returns 0 if no timeout is configured.
func (c *Config) Timeout(desc call.Descriptor) time.Duration {
	cfg, _ := c.MethodConfig(desc)
	return cfg.Timeout
}

// ParsePattern parses a method pattern into its service and method.
// Returns whether the parse was successful.
func ParsePattern(pattern string) (service, method string, ok bool) {
	service, method, ok = strings.Cut(pattern, "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return "", "", false
	}
	return service, method, true
}

// ClientInterceptor returns a client interceptor that applies the matching method
// config to each call: default metadata, the timeout when the call has no deadline
// yet, then the retry or hedging policy.
func ClientInterceptor(c *Config) interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		mc, ok := c.MethodConfig(info.Descriptor())
		if !ok {
			return streamer(ctx)
		}

		if !info.Sealed() {
			md := info.Metadata()
			for _, k := range slices.Sorted(maps.Keys(mc.Metadata)) {
				if len(md.Values(k)) == 0 {
					md.Set(k, mc.Metadata[k])
				}
			}
		}

		var cancel context.CancelFunc
		if _, has := ctx.Deadline(); !has && mc.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, mc.Timeout)
		}

		next := streamer
		var policy interceptor.ClientInterceptor
		switch {
		case mc.Retry != nil:
			policy = retry.ClientInterceptor(*mc.Retry)
		case mc.Hedge != nil:
			policy = hedge.ClientInterceptor(*mc.Hedge)
		}
		if policy != nil {
			next = func(ctx context.Context) (interceptor.ClientStream, error) {
				return policy(ctx, info, streamer)
			}
		}

		cs, err := next(ctx)
		if cancel == nil {
			return cs, err
		}
		if err != nil {
			cancel()
			return nil, err
		}
		return &timeoutStream{ClientStream: interceptor.WrapClientStream(cs, ctx), cancel: cancel}, nil
	}
}

// timeoutStream releases the timeout's context when the call ends.
type timeoutStream struct {
	interceptor.ClientStream
	cancel context.CancelFunc
}

func (s *timeoutStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		s.cancel()
	}
	return err
}

func (s *timeoutStream) Cancel() {
	s.ClientStream.Cancel()
	s.cancel()
}

// Builder provides a fluent interface for building service configs.
type Builder struct {
	config *Config
}

// NewBuilder creates a new config builder.
func NewBuilder() *Builder {
	return &Builder{config: New()}
}

// WithTimeout adds a timeout for a pattern.
func (b *Builder) WithTimeout(pattern string, timeout time.Duration) *Builder {
	b.config.SetTimeout(pattern, timeout)
	return b
}

// WithRetry adds a retry policy for a pattern.
func (b *Builder) WithRetry(pattern string, policy retry.Policy) *Builder {
	b.config.SetRetry(pattern, policy)
	return b
}

// WithHedge adds a hedging policy for a pattern.
func (b *Builder) WithHedge(pattern string, policy hedge.Policy) *Builder {
	b.config.SetHedge(pattern, policy)
	return b
}

// WithMetadata adds a default metadata entry for a pattern.
func (b *Builder) WithMetadata(pattern, key, value string) *Builder {
	b.config.SetMetadata(pattern, key, value)
	return b
}

// WithMethodConfig adds a full method config for a pattern.
func (b *Builder) WithMethodConfig(pattern string, cfg MethodConfig) *Builder {
	b.config.SetMethodConfig(pattern, cfg)
	return b
}

// WithDefaultTimeout sets a global default timeout for all methods.
func (b *Builder) WithDefaultTimeout(timeout time.Duration) *Builder {
	b.config.SetTimeout(Global, timeout)
	return b
}

// Build returns the completed config.
func (b *Builder) Build() *Config {
	return b.config
}
