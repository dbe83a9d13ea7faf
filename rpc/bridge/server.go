package bridge

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/compress"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/stream"
	"github.com/bearlytools/tern/rpc/transport"
)

// Serve serves the one call carried by fc with h. It returns once the call has
// ended and the handler has returned. fc is closed on return.
func Serve(ctx context.Context, fc FrameConn, h transport.CallHandler, opts ...Option) error {
	o := newOptions(opts)
	defer fc.Close()

	b, err := fc.ReadFrame()
	if err != nil {
		return errors.E(ctx, errors.CatInternal, errors.TypeConn, fmt.Errorf("bridge: reading header: %w", err))
	}
	f, err := Decode(b)
	if err != nil {
		return errors.E(ctx, errors.CatInternal, errors.TypeProtocol, err)
	}
	if f.Type != THeader {
		return errors.E(ctx, errors.CatInternal, errors.TypeProtocol, fmt.Errorf("%w: first frame is %s, want HEADER", ErrProtocol, f.Type))
	}
	hdr := f.Header
	log := o.log.With(zap.String("rpc.path", hdr.Path))

	if hdr.Compressor != compress.None && compress.Get(hdr.Compressor) == nil {
		log.Warn("call uses an unknown compressor", zap.String("compressor", hdr.Compressor))
		st := status.Newf(status.Unimplemented, "compressor %q is not supported", hdr.Compressor)
		return fc.WriteFrame(Frame{Type: TStatus, Status: st}.Append(nil))
	}

	md := hdr.Metadata
	if md == nil {
		md = metadata.New()
	}
	md.Seal()

	var (
		sctx     context.Context
		cancel   context.CancelFunc
		deadline time.Time
	)
	if hdr.Timeout > 0 {
		deadline = time.Now().Add(hdr.Timeout)
		sctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sc := &serverCall{
		fc:         fc,
		path:       hdr.Path,
		md:         md,
		deadline:   deadline,
		compressor: hdr.Compressor,
		log:        log,
		reqs:       stream.NewPipe[[]byte](o.buffer),
		maxBacklog: o.maxBacklog,
		more:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		cancel:     cancel,
	}

	pool := context.Pool(ctx)
	pool.Submit(sctx, func() { sc.forward(sctx) })

	// claimed decides between the job and this goroutine which one finishes the
	// call, because the pool drops jobs whose context ends before they start.
	var claimed atomic.Bool
	handled := make(chan struct{})
	pool.Submit(sctx, func() {
		defer close(handled)
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		h.HandleCall(sctx, sc)
		if sc.Finish(status.New(status.Internal, "handler returned without a status")) == nil {
			log.Error("handler returned without finishing the call")
		}
	})
	if sctx.Err() != nil && claimed.CompareAndSwap(false, true) {
		sc.Finish(errors.FromError(sctx.Err()))
		return nil
	}

	sc.read()
	<-handled
	return nil
}

// ServeListener accepts byte-stream carriers from l and serves one call on each
// until ctx ends.
func ServeListener(ctx context.Context, l transport.Listener, h transport.CallHandler, opts ...Option) error {
	o := newOptions(opts)
	for {
		t, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		context.Pool(ctx).Submit(ctx, func() {
			if err := Serve(ctx, StreamFrames(t, opts...), h, opts...); err != nil {
				o.log.Debug("bridged call failed", zap.Any("remote", t.RemoteAddr()), zap.Error(err))
			}
		})
		if ctx.Err() != nil {
			// The job may have been dropped; closing twice is harmless.
			t.Close()
			return nil
		}
	}
}

type serverCall struct {
	fc         FrameConn
	path       string
	md         *metadata.MD
	deadline   time.Time
	compressor string
	log        *zap.Logger

	// wmu serializes writes and orders them against the end of the call, so the
	// STATUS frame is always the last frame written.
	wmu  sync.Mutex
	reqs *stream.Pipe[[]byte]

	// backlog holds request messages the reader took off the channel while reqs
	// was full. forward moves them into reqs in order.
	bmu        sync.Mutex
	backlog    []queued
	backlogLen int
	maxBacklog int
	more       chan struct{}

	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc
}

// end ends the call without a STATUS frame, because the caller cancelled or the
// channel was lost.
func (sc *serverCall) end(reqErr error) {
	sc.once.Do(func() {
		sc.reqs.Close(reqErr)
		close(sc.done)
		sc.cancel()
		sc.fc.Close()
	})
}

// queued is a request message, or the caller's half-close when eof is set.
type queued struct {
	p   []byte
	eof bool
}

// enqueue adds q to the backlog. It returns false if the backlog is over its limit.
func (sc *serverCall) enqueue(q queued) bool {
	sc.bmu.Lock()
	sc.backlog = append(sc.backlog, q)
	sc.backlogLen += len(q.p)
	over := sc.backlogLen > sc.maxBacklog
	sc.bmu.Unlock()

	select {
	case sc.more <- struct{}{}:
	default:
	}
	return !over
}

func (sc *serverCall) dequeue() (queued, bool) {
	sc.bmu.Lock()
	defer sc.bmu.Unlock()

	if len(sc.backlog) == 0 {
		return queued{}, false
	}
	q := sc.backlog[0]
	sc.backlog[0] = queued{}
	sc.backlog = sc.backlog[1:]
	sc.backlogLen -= len(q.p)
	return q, true
}

// forward feeds the backlog into reqs until the caller half-closes or the call ends.
func (sc *serverCall) forward(ctx context.Context) {
	for {
		q, ok := sc.dequeue()
		if !ok {
			select {
			case <-sc.more:
				continue
			case <-sc.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if q.eof {
			sc.reqs.Close(nil)
			return
		}
		// A failed push means the call ended or the handler stopped reading before
		// the deadline.
		if err := sc.reqs.Push(ctx, q.p); err != nil {
			return
		}
	}
}

// read takes frames off the channel until the call ends. It never waits on the
// handler, so CANCEL and channel loss are seen however far behind the handler is.
func (sc *serverCall) read() {
	for {
		b, err := sc.fc.ReadFrame()
		if err != nil {
			// After Finish this is our own close.
			sc.end(transport.Unavailable(err))
			return
		}
		f, err := Decode(b)
		if err != nil {
			sc.log.Warn("bad frame from client", zap.Error(err))
			sc.Finish(status.New(status.Internal, err.Error()))
			return
		}

		switch f.Type {
		case TMessage:
			p, err := compress.Decompress(sc.compressor, f.Payload)
			if err != nil {
				sc.Finish(status.Newf(status.Internal, "decompress request: %v", err))
				return
			}
			if !sc.enqueue(queued{p: p}) {
				sc.log.Warn("request backlog over its limit", zap.Int("limit", sc.maxBacklog))
				sc.Finish(status.Newf(status.ResourceExhausted, "more than %d bytes of requests waiting for the handler", sc.maxBacklog))
				return
			}
		case THalfClose:
			sc.enqueue(queued{eof: true})
		case TCancel:
			sc.end(errors.NewServerError(status.Canceled, "call cancelled by the caller"))
			return
		default:
			sc.log.Warn("unexpected frame from client", zap.Stringer("type", f.Type))
			sc.Finish(status.Newf(status.Internal, "%v: unexpected %s frame from client", ErrProtocol, f.Type))
			return
		}
	}
}

func (sc *serverCall) Path() string {
	return sc.path
}

func (sc *serverCall) Metadata() *metadata.MD {
	return sc.md
}

func (sc *serverCall) Deadline() (time.Time, bool) {
	return sc.deadline, !sc.deadline.IsZero()
}

func (sc *serverCall) RemoteAddr() net.Addr {
	return sc.fc.RemoteAddr()
}

func (sc *serverCall) Done() <-chan struct{} {
	return sc.done
}

func (sc *serverCall) Recv(ctx context.Context) ([]byte, error) {
	return sc.reqs.Next(ctx)
}

func (sc *serverCall) Send(ctx context.Context, payload []byte) error {
	p, err := compress.Compress(sc.compressor, payload)
	if err != nil {
		return errors.Errorf(status.Internal, "compress response: %v", err)
	}

	sc.wmu.Lock()
	select {
	case <-sc.done:
		sc.wmu.Unlock()
		return transport.ErrFinished
	default:
	}
	err = sc.fc.WriteFrame(Frame{Type: TMessage, Payload: p}.Append(nil))
	sc.wmu.Unlock()

	if err != nil {
		sc.end(transport.Unavailable(err))
		return transport.ErrFinished
	}
	return nil
}

func (sc *serverCall) Finish(st status.Status) error {
	finished := false
	sc.once.Do(func() {
		finished = true

		sc.wmu.Lock()
		err := sc.fc.WriteFrame(Frame{Type: TStatus, Status: st}.Append(nil))
		close(sc.done)
		sc.wmu.Unlock()

		if err != nil {
			sc.log.Debug("STATUS frame not delivered", zap.Stringer("status", st), zap.Error(err))
		}
		sc.reqs.Close(transport.ErrFinished)
		sc.cancel()
		sc.fc.Close()
	})
	if !finished {
		return transport.ErrFinished
	}
	return nil
}

var _ transport.ServerCall = (*serverCall)(nil)
