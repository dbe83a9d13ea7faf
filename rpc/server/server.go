// Package server dispatches calls arriving from any transport to registered handlers.
// A *Server is a transport.CallHandler: transports hand it one transport.ServerCall
// per call and the server runs the interceptor chain and the handler over it.
package server

import (
	"fmt"
	"runtime/debug"
	stdsync "sync"
	"sync/atomic"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/concurrency/worker"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/codec"
	rpcctx "github.com/bearlytools/tern/rpc/context"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
)

// ErrClosed is the cause reported to calls that arrive after Shutdown.
var ErrClosed = errors.New("server closed")

// Option configures a Server.
type Option func(*Server)

// WithInterceptors adds server interceptors. Multiple calls append; the first
// interceptor given is the outermost.
func WithInterceptors(interceptors ...interceptor.ServerInterceptor) Option {
	return func(s *Server) {
		s.chain.Use(interceptors...)
	}
}

// WithCodec sets the message codec. Default is codec.Default().
func WithCodec(c codec.Codec) Option {
	return func(s *Server) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets the logger used for handler panics and dispatch failures.
// Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxConcurrentCalls bounds the number of handlers running at once. Calls beyond
// the limit wait for a free slot. Default is 0 (no limit).
func WithMaxConcurrentCalls(max int) Option {
	return func(s *Server) {
		s.maxConcurrentCalls = max
	}
}

// Server dispatches calls to registered handlers.
type Server struct {
	registry *Registry
	chain    interceptor.Chain[interceptor.ServerInterceptor]
	codec    codec.Codec
	log      *zap.Logger

	maxConcurrentCalls int
	poolOnce           sync.Once
	pool               *worker.Pool

	mu     sync.Mutex
	closed bool
	active stdsync.WaitGroup

	built []interceptor.ServerInterceptor
}

// New creates a new Server.
func New(opts ...Option) *Server {
	s := &Server{
		registry: NewRegistry(),
		codec:    codec.Default(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.built = s.chain.Build()
	return s
}

// Register registers h to serve desc. It returns ErrShapeMismatch if h's kind does
// not match desc and ErrHandlerExists if desc's path is already registered.
func (s *Server) Register(desc call.Descriptor, h Handler) error {
	return s.registry.Register(desc, h)
}

// MustRegister is like Register but panics on error.
func (s *Server) MustRegister(desc call.Descriptor, h Handler) {
	if err := s.Register(desc, h); err != nil {
		panic(fmt.Sprintf("server: %v", err))
	}
}

// Registry returns the server's handler registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleCall implements transport.CallHandler. It always finishes sc.
func (s *Server) HandleCall(ctx context.Context, sc transport.ServerCall) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sc.Finish(status.New(status.Unavailable, ErrClosed.Error()))
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	desc, h, ok := s.registry.Lookup(sc.Path())
	if !ok {
		sc.Finish(status.Newf(status.Unimplemented, "method %s is not implemented", sc.Path()))
		return
	}

	pool := s.handlerPool(ctx)
	if pool == nil {
		s.serve(ctx, sc, desc, h)
		return
	}

	// The pool drops a job whose context ends while it waits for a slot. claimed
	// makes sure exactly one of the job and this goroutine finishes the call.
	var claimed atomic.Bool
	done := make(chan struct{})
	pool.Submit(ctx, func() {
		defer close(done)
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		s.serve(ctx, sc, desc, h)
	})
	if ctx.Err() != nil && claimed.CompareAndSwap(false, true) {
		sc.Finish(errors.FromError(ctx.Err()))
		return
	}
	<-done
}

func (s *Server) handlerPool(ctx context.Context) *worker.Pool {
	if s.maxConcurrentCalls <= 0 {
		return nil
	}
	s.poolOnce.Do(func() {
		s.pool = context.Pool(ctx).Limited(ctx, "tern-rpc-handlers", s.maxConcurrentCalls)
	})
	return s.pool
}

// serve runs the interceptor chain and the handler, then finishes the call.
func (s *Server) serve(ctx context.Context, sc transport.ServerCall, desc call.Descriptor, h Handler) {
	md := sc.Metadata()
	if md == nil {
		md = metadata.New()
	}
	md.Seal()
	info := call.New(desc, md, call.WithPeer(sc.RemoteAddr()))

	var cancel context.CancelFunc
	if dl, ok := sc.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ctx, dl)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The handler's context ends when the caller cancels or the carrier goes away.
	stop := make(chan struct{})
	defer close(stop)
	context.Pool(ctx).Submit(ctx, func() {
		select {
		case <-sc.Done():
			cancel()
		case <-stop:
		case <-ctx.Done():
		}
	})

	ctx = call.NewContext(ctx, info)
	ctx = metadata.NewIncomingContext(ctx, md)
	ctx = rpcctx.WithRemoteAddr(ctx, sc.RemoteAddr())

	stream := &serverStream{ctx: ctx, sc: sc, codec: s.codec, info: info}
	// Panics are recovered inside the chain so interceptors observe the INTERNAL
	// status, and around it for panics raised by interceptors themselves.
	final := func(ctx context.Context, stream interceptor.ServerStream) error {
		return s.run(ctx, stream, info, h.serve)
	}

	err := s.run(ctx, stream, info, interceptor.ComposeServer(s.built, info, final))

	st := errors.FromError(err)
	if ctx.Err() == context.DeadlineExceeded && st.Code == status.Canceled {
		st = status.New(status.DeadlineExceeded, "deadline exceeded")
	}
	if err := sc.Finish(st); err != nil && err != transport.ErrFinished {
		s.log.Warn("finish call", zap.String("rpc.path", info.Path()), zap.Error(err))
	}
}

// run calls handler, turning a panic into an INTERNAL error.
func (s *Server) run(ctx context.Context, stream interceptor.ServerStream, info *call.Call, handler interceptor.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(
				"handler panic",
				zap.String("rpc.path", info.Path()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.Errorf(status.Internal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, stream)
}

// Shutdown stops accepting calls and waits for in-flight calls to finish. Calls that
// arrive after Shutdown fail with UNAVAILABLE. If ctx ends first, Shutdown returns
// the context's error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsDraining returns true once Shutdown was called.
func (s *Server) IsDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ transport.CallHandler = (*Server)(nil)

// serverStream is the innermost ServerStream, backed by the transport call.
type serverStream struct {
	ctx   context.Context
	sc    transport.ServerCall
	codec codec.Codec
	info  *call.Call
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func (s *serverStream) SendMsg(m any) error {
	b, err := s.codec.Marshal(m)
	if err != nil {
		return errors.Errorf(status.Internal, "encode response: %v", err)
	}
	s.info.Seal()
	return s.sc.Send(s.ctx, b)
}

func (s *serverStream) RecvMsg(m any) error {
	b, err := s.sc.Recv(s.ctx)
	if err != nil {
		return err
	}
	if err := s.codec.Unmarshal(b, m); err != nil {
		return errors.Errorf(status.InvalidArgument, "decode request: %v", err)
	}
	return nil
}
