// Package call holds the per-call state threaded through interceptor chains: the
// method descriptor, metadata, peer and an option bag that middleware can extend.
package call

import (
	"fmt"
	"maps"
	"net"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/metadata"
)

// Kind is the shape of a call. The set is closed.
type Kind uint8

const (
	// Unary sends one request and receives one response.
	Unary Kind = iota
	// ClientStream sends a request sequence and receives one response.
	ClientStream
	// ServerStream sends one request and receives a response sequence.
	ServerStream
	// BiDi sends and receives sequences that progress independently.
	BiDi
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ClientStream:
		return "client_stream"
	case ServerStream:
		return "server_stream"
	case BiDi:
		return "bidi_stream"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// RequestStream reports if calls of this kind send a request sequence.
func (k Kind) RequestStream() bool {
	return k == ClientStream || k == BiDi
}

// ResponseStream reports if calls of this kind receive a response sequence.
func (k Kind) ResponseStream() bool {
	return k == ServerStream || k == BiDi
}

// KindOf returns the Kind for a pair of stream flags.
func KindOf(requestStream, responseStream bool) Kind {
	switch {
	case requestStream && responseStream:
		return BiDi
	case requestStream:
		return ClientStream
	case responseStream:
		return ServerStream
	}
	return Unary
}

// Descriptor describes a method. It is created at registration and shared,
// read-only, by every call of the method.
type Descriptor struct {
	// Service is the fully qualified service name, such as "nice_grpc.test.Test".
	Service string
	// Method is the method name, such as "TestUnary".
	Method         string
	RequestStream  bool
	ResponseStream bool
}

// Path returns "/<service>/<method>".
func (d Descriptor) Path() string {
	return "/" + d.Service + "/" + d.Method
}

// Name returns "<service>/<method>".
func (d Descriptor) Name() string {
	return d.Service + "/" + d.Method
}

// Kind returns the call shape selected by the descriptor's stream flags.
func (d Descriptor) Kind() Kind {
	return KindOf(d.RequestStream, d.ResponseStream)
}

// Validate returns an error if the descriptor can't address a method.
func (d Descriptor) Validate() error {
	if d.Service == "" || d.Method == "" {
		return fmt.Errorf("call: descriptor needs a service and method, got %q", d.Name())
	}
	return nil
}

const sealedMsg = "call: mutation after call started sending"

// Call is the state of one in-flight call. It is owned by that call and passed by
// reference through every interceptor. It may be changed until it is sealed, which
// happens when the call's first transmission occurs. Changing it afterwards panics.
type Call struct {
	desc Descriptor
	md   *metadata.MD
	peer net.Addr

	mu     sync.Mutex
	opts   map[string]any
	sealed bool
}

// Option sets a value in the option bag of a new Call.
type Option func(*Call)

// WithOption sets key to val in the option bag.
func WithOption(key string, val any) Option {
	return func(c *Call) {
		c.opts[key] = val
	}
}

// WithPeer sets the remote peer address.
func WithPeer(addr net.Addr) Option {
	return func(c *Call) {
		c.peer = addr
	}
}

// New creates a Call. A nil md is replaced with empty metadata.
func New(desc Descriptor, md *metadata.MD, options ...Option) *Call {
	if md == nil {
		md = metadata.New()
	}
	c := &Call{desc: desc, md: md, opts: map[string]any{}}
	for _, o := range options {
		o(c)
	}
	return c
}

// Descriptor returns the method descriptor.
func (c *Call) Descriptor() Descriptor {
	return c.desc
}

// Path returns "/<service>/<method>".
func (c *Call) Path() string {
	return c.desc.Path()
}

// Metadata returns the call's metadata. It becomes read-only when the call is sealed.
func (c *Call) Metadata() *metadata.MD {
	return c.md
}

// Peer returns the remote address, if known.
func (c *Call) Peer() net.Addr {
	return c.peer
}

// Option returns the value for key in the option bag.
func (c *Call) Option(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.opts[key]
	return v, ok
}

// SetOption sets key in the option bag. It panics if the call is sealed.
func (c *Call) SetOption(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		panic(sealedMsg)
	}
	c.opts[key] = val
}

// Options returns a copy of the option bag.
func (c *Call) Options() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.opts)
}

// Seal makes the call and its metadata read-only. It is safe to call more than once.
func (c *Call) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
	c.md.Seal()
}

// Sealed reports if the call is read-only.
func (c *Call) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

type callKey struct{}

// NewContext attaches c to ctx.
func NewContext(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// FromContext returns the Call attached to ctx.
func FromContext(ctx context.Context) (*Call, bool) {
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok
}
