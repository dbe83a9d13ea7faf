// Package resolver turns a call target into the addresses a client may dial.
//
// Targets look like "scheme://authority/endpoint". A target without a scheme is
// handled by the passthrough resolver. Resolvers register a Builder for their
// scheme, usually from an init function, so importing a resolver package makes
// its scheme available:
//
//	import _ "github.com/bearlytools/tern/rpc/transport/resolver/dns"
//
//	r, err := resolver.Build("dns:///echo.internal:8080", resolver.BuildOptions{})
package resolver

import (
	"fmt"
	"time"

	"github.com/gostdlib/base/context"
)

// Address is one resolved endpoint.
type Address struct {
	// Addr is what the carrier dials, such as "10.0.0.4:8080" or "/run/echo.sock".
	Addr string

	// Weight scales the share of calls a weighted picker sends here. 0 counts as 1.
	Weight uint32

	// Priority orders addresses for the priority picker. Lower is preferred.
	Priority uint32

	// Attributes holds resolver specific labels, such as a zone.
	Attributes map[string]any
}

// Target is a parsed target string.
type Target struct {
	// Scheme names the resolver, such as "dns" or "passthrough".
	Scheme string

	// Authority configures the resolver. For dns it is the name server to ask.
	Authority string

	// Endpoint is the name or address to resolve.
	Endpoint string
}

// Resolver resolves a target to addresses.
type Resolver interface {
	// Resolve returns the current addresses for the target.
	Resolve(ctx context.Context) ([]Address, error)

	// Close releases the resolver. Resolve must not be called afterwards.
	Close() error
}

// BuildOptions configures resolver creation.
type BuildOptions struct {
	// DialTimeout bounds connections the resolver makes, such as to a name server.
	// Zero uses the resolver's default.
	DialTimeout time.Duration
}

// Builder creates Resolvers for one scheme.
type Builder interface {
	// Scheme is the lowercase scheme this builder handles.
	Scheme() string

	// Build creates a resolver for target. target.Scheme equals Scheme().
	Build(target Target, opts BuildOptions) (Resolver, error)
}

// Build parses target and builds a resolver with the builder registered for its
// scheme.
func Build(target string, opts BuildOptions) (Resolver, error) {
	t, err := Parse(target)
	if err != nil {
		return nil, err
	}
	b, ok := Get(t.Scheme)
	if !ok {
		return nil, fmt.Errorf("resolver: no resolver for scheme %q", t.Scheme)
	}
	r, err := b.Build(t, opts)
	if err != nil {
		return nil, fmt.Errorf("resolver: build %s: %w", t, err)
	}
	return r, nil
}

// Static is a Resolver over a fixed address list.
type Static []Address

// NewStatic returns a Static resolver for addrs.
func NewStatic(addrs ...string) Static {
	s := make(Static, 0, len(addrs))
	for _, a := range addrs {
		s = append(s, Address{Addr: a})
	}
	return s
}

// Resolve implements Resolver.
func (s Static) Resolve(ctx context.Context) ([]Address, error) {
	return append([]Address(nil), s...), nil
}

// Close implements Resolver.
func (s Static) Close() error { return nil }
