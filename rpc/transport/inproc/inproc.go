// Package inproc provides an in-memory transport with native bidirectional streams.
// Each call gets two bounded pipes, one per direction, and a terminal status. It is
// used to run clients and servers in the same process and in tests.
package inproc

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/stream"
	"github.com/bearlytools/tern/rpc/transport"
)

// Addr is the address reported for in-process peers.
type Addr struct{}

func (Addr) Network() string { return "inproc" }
func (Addr) String() string  { return "inproc" }

type config struct {
	buffer int
	remote net.Addr
}

// Option configures a Transport.
type Option func(*config)

// WithBuffer sets how many messages each direction buffers before Send blocks.
// Default is 8.
func WithBuffer(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// WithRemoteAddr sets the address the server sees as the caller's.
func WithRemoteAddr(addr net.Addr) Option {
	return func(c *config) {
		c.remote = addr
	}
}

// Transport connects callers directly to a transport.CallHandler.
type Transport struct {
	handler transport.CallHandler
	cfg     config
}

// New creates a Transport that serves every call with h.
func New(h transport.CallHandler, opts ...Option) *Transport {
	cfg := config{buffer: 8, remote: Addr{}}
	for _, o := range opts {
		o(&cfg)
	}
	return &Transport{handler: h, cfg: cfg}
}

// NewCall implements transport.Caller.
func (t *Transport) NewCall(ctx context.Context, c *call.Call) (transport.ClientCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.Seal()

	// The handler's context is independent of the caller's so that the caller
	// controls its end only through Cancel and the deadline.
	sctx, cancel := context.WithCancel(context.Background())
	var deadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
		sctx, cancel = context.WithDeadline(context.Background(), dl)
	}

	md := c.Metadata().Clone()
	md.Seal()

	p := &pair{
		path:     c.Path(),
		md:       md,
		deadline: deadline,
		remote:   t.cfg.remote,
		reqs:     stream.NewPipe[[]byte](t.cfg.buffer),
		resps:    stream.NewPipe[[]byte](t.cfg.buffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	// The pool drops the job if sctx ends before it starts; whichever side claims
	// the call finishes it.
	var claimed atomic.Bool
	context.Pool(ctx).Submit(sctx, func() {
		defer cancel()
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		t.handler.HandleCall(sctx, (*serverCall)(p))
		// A handler must finish the call; if it didn't, the caller would hang.
		(*serverCall)(p).Finish(status.New(status.Internal, "handler returned without a status"))
	})
	if sctx.Err() != nil && claimed.CompareAndSwap(false, true) {
		(*serverCall)(p).Finish(errors.FromError(sctx.Err()))
		cancel()
	}

	return (*clientCall)(p), nil
}

var _ transport.Caller = (*Transport)(nil)

// pair is the shared state of one call. clientCall and serverCall are views of it.
type pair struct {
	path     string
	md       *metadata.MD
	deadline time.Time
	remote   net.Addr

	reqs  *stream.Pipe[[]byte]
	resps *stream.Pipe[[]byte]

	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc
}

// end closes both directions with the terminal outcome. Only the first call counts.
func (p *pair) end(respErr, reqErr error) bool {
	ended := false
	p.once.Do(func() {
		ended = true
		p.resps.Close(respErr)
		p.reqs.Close(reqErr)
		close(p.done)
	})
	return ended
}

type clientCall pair

func (c *clientCall) Send(ctx context.Context, payload []byte) error {
	err := c.reqs.Push(ctx, payload)
	if errors.Is(err, stream.ErrClosed) {
		return io.EOF
	}
	return err
}

func (c *clientCall) CloseSend() error {
	c.reqs.Close(nil)
	return nil
}

func (c *clientCall) Recv(ctx context.Context) ([]byte, error) {
	return c.resps.Next(ctx)
}

func (c *clientCall) Cancel() {
	p := (*pair)(c)
	canceled := errors.NewServerError(status.Canceled, "call cancelled by the caller")
	if p.end(canceled, canceled) {
		p.cancel()
	}
}

type serverCall pair

func (s *serverCall) Path() string                { return s.path }
func (s *serverCall) Metadata() *metadata.MD      { return s.md }
func (s *serverCall) RemoteAddr() net.Addr        { return s.remote }
func (s *serverCall) Done() <-chan struct{}       { return s.done }
func (s *serverCall) Deadline() (time.Time, bool) { return s.deadline, !s.deadline.IsZero() }

func (s *serverCall) Recv(ctx context.Context) ([]byte, error) {
	return s.reqs.Next(ctx)
}

func (s *serverCall) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return transport.ErrFinished
	default:
	}
	err := s.resps.Push(ctx, payload)
	if errors.Is(err, stream.ErrClosed) {
		return transport.ErrFinished
	}
	return err
}

func (s *serverCall) Finish(st status.Status) error {
	if !(*pair)(s).end(errors.FromStatus(st), io.EOF) {
		return transport.ErrFinished
	}
	return nil
}

var (
	_ transport.ClientCall = (*clientCall)(nil)
	_ transport.ServerCall = (*serverCall)(nil)
)
