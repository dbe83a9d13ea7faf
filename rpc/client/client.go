// Package client provides the caller side of RPCs. A Conn opens calls through a
// transport.Caller, runs them through the client interceptor chain and offers typed
// helpers for the four call shapes.
package client

import (
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/codec"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
)

// Option configures a Conn.
type Option func(*Conn)

// WithInterceptors adds client interceptors. Multiple calls append; the first
// interceptor given is the outermost.
func WithInterceptors(interceptors ...interceptor.ClientInterceptor) Option {
	return func(c *Conn) {
		c.chain.Use(interceptors...)
	}
}

// WithCodec sets the message codec. Default is codec.Default().
func WithCodec(cd codec.Codec) Option {
	return func(c *Conn) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// WithDefaultMetadata sets metadata sent with every call. Per-call metadata for the
// same key replaces the default.
func WithDefaultMetadata(md *metadata.MD) Option {
	return func(c *Conn) {
		c.defaultMD = md.Clone()
	}
}

// Conn makes calls over a transport.Caller. It is safe for concurrent use.
type Conn struct {
	caller    transport.Caller
	codec     codec.Codec
	defaultMD *metadata.MD
	chain     interceptor.Chain[interceptor.ClientInterceptor]

	built []interceptor.ClientInterceptor
}

// New creates a Conn that opens calls with caller.
func New(caller transport.Caller, opts ...Option) *Conn {
	c := &Conn{
		caller:    caller,
		codec:     codec.Default(),
		defaultMD: metadata.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.built = c.chain.Build()
	return c
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	md       *metadata.MD
	options  []call.Option
	timeout  time.Duration
	deadline time.Time
}

// WithMetadata adds key-value pairs to the call's metadata.
func WithMetadata(kv ...string) CallOption {
	md := metadata.New(kv...)
	return func(o *callOptions) {
		o.md.Merge(md)
	}
}

// WithMD merges md into the call's metadata.
func WithMD(md *metadata.MD) CallOption {
	return func(o *callOptions) {
		o.md.Merge(md)
	}
}

// WithOption sets an arbitrary option visible to interceptors through
// call.Call.Option.
func WithOption(key string, val any) CallOption {
	return func(o *callOptions) {
		o.options = append(o.options, call.WithOption(key, val))
	}
}

// WithTimeout bounds the call's duration. Expiry ends the call with DEADLINE_EXCEEDED.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithDeadline sets the call's deadline. Expiry ends the call with DEADLINE_EXCEEDED.
func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) {
		o.deadline = t
	}
}

// NewStream opens a call for desc and returns its outermost stream. The caller must
// either read from the stream until it returns an error (io.EOF for OK) or Cancel it.
func (c *Conn) NewStream(ctx context.Context, desc call.Descriptor, opts ...CallOption) (interceptor.ClientStream, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.NewClientError(desc.Path(), status.Internal, err.Error())
	}

	co := callOptions{md: metadata.New()}
	for _, opt := range opts {
		opt(&co)
	}

	md := c.defaultMD.Clone()
	if out, ok := metadata.FromContext(ctx); ok {
		md.Merge(out)
	}
	md.Merge(co.md)
	info := call.New(desc, md, co.options...)

	var cancel context.CancelFunc
	switch {
	case !co.deadline.IsZero():
		ctx, cancel = context.WithDeadline(ctx, co.deadline)
	case co.timeout > 0:
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
	default:
		ctx, cancel = context.WithCancel(ctx)
	}

	ctx = call.NewContext(ctx, info)
	streamer := interceptor.ComposeClient(c.built, info, func(ctx context.Context) (interceptor.ClientStream, error) {
		return c.openStream(ctx, info)
	})

	cs, err := streamer(ctx)
	if err != nil {
		cancel()
		return nil, errors.ToClientError(info.Path(), err)
	}
	return &outerStream{ClientStream: cs, cancel: cancel}, nil
}
