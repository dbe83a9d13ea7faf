package bridge

import (
	"io"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/concurrency/worker"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/compress"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/stream"
	"github.com/bearlytools/tern/rpc/transport"
)

// cancelGrace bounds how long a cancelled call waits to deliver its CANCEL frame
// before dropping the channel.
const cancelGrace = 100 * time.Millisecond

// Client opens calls over channels from a DialFunc. It implements transport.Caller.
type Client struct {
	dial DialFunc
	opts options
}

// NewClient creates a Client that dials one channel per call.
func NewClient(dial DialFunc, opts ...Option) *Client {
	return &Client{dial: dial, opts: newOptions(opts)}
}

// NewCall implements transport.Caller.
func (c *Client) NewCall(ctx context.Context, info *call.Call) (transport.ClientCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.opts.compressor != compress.None && compress.Get(c.opts.compressor) == nil {
		return nil, errors.Errorf(status.Unimplemented, "compressor %q is not registered", c.opts.compressor)
	}

	hdr := Header{Path: info.Path(), Metadata: info.Metadata(), Compressor: c.opts.compressor}
	if dl, ok := ctx.Deadline(); ok {
		hdr.Timeout = time.Until(dl)
		if hdr.Timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	info.Seal()

	fc, err := c.dial(ctx)
	if err != nil {
		return nil, transport.Unavailable(err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	cc := &clientCall{
		fc:         fc,
		compressor: c.opts.compressor,
		log:        c.opts.log.With(zap.String("rpc.path", info.Path())),
		pool:       context.Pool(ctx),
		resps:      stream.NewPipe[[]byte](c.opts.buffer),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	if err := cc.write(Frame{Type: THeader, Header: hdr}); err != nil {
		cc.shutdown(transport.Unavailable(err))
		return nil, transport.Unavailable(err)
	}

	cc.pool.Submit(rctx, func() { cc.read(rctx) })
	return cc, nil
}

var _ transport.Caller = (*Client)(nil)

type clientCall struct {
	fc         FrameConn
	compressor string
	log        *zap.Logger
	pool       *worker.Pool

	wmu   sync.Mutex
	resps *stream.Pipe[[]byte]

	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc
}

// end ends the call locally: Recv drains what arrived and then returns err.
// Only the first call has an effect.
func (cc *clientCall) end(err error) bool {
	ended := false
	cc.once.Do(func() {
		ended = true
		cc.resps.Close(err)
		close(cc.done)
		cc.cancel()
	})
	return ended
}

// shutdown ends the call and drops the channel.
func (cc *clientCall) shutdown(err error) {
	cc.end(err)
	cc.fc.Close()
}

func (cc *clientCall) ended() bool {
	select {
	case <-cc.done:
		return true
	default:
		return false
	}
}

func (cc *clientCall) write(f Frame) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	return cc.fc.WriteFrame(f.Append(nil))
}

// read demultiplexes the server's frames until the STATUS frame or the loss of the
// channel.
func (cc *clientCall) read(ctx context.Context) {
	for {
		b, err := cc.fc.ReadFrame()
		if err != nil {
			cc.shutdown(transport.Unavailable(err))
			return
		}
		f, err := Decode(b)
		if err != nil {
			cc.log.Warn("bad frame from server", zap.Error(err))
			cc.shutdown(errors.NewServerError(status.Internal, err.Error()))
			return
		}

		switch f.Type {
		case TMessage:
			p, err := compress.Decompress(cc.compressor, f.Payload)
			if err != nil {
				cc.shutdown(errors.Errorf(status.Internal, "decompress response: %v", err))
				return
			}
			if err := cc.resps.Push(ctx, p); err != nil {
				// The call ended locally.
				return
			}
		case TStatus:
			// Anything the server writes after its first status is never read.
			cc.shutdown(errors.FromStatus(f.Status))
			return
		default:
			cc.log.Warn("unexpected frame from server", zap.Stringer("type", f.Type))
			cc.shutdown(errors.Errorf(status.Internal, "%v: unexpected %s frame from server", ErrProtocol, f.Type))
			return
		}
	}
}

func (cc *clientCall) Send(ctx context.Context, payload []byte) error {
	if cc.ended() {
		return io.EOF
	}
	p, err := compress.Compress(cc.compressor, payload)
	if err != nil {
		return errors.Errorf(status.Internal, "compress request: %v", err)
	}
	if err := cc.write(Frame{Type: TMessage, Payload: p}); err != nil {
		cc.shutdown(transport.Unavailable(err))
		// The status is read from Recv.
		return io.EOF
	}
	return nil
}

func (cc *clientCall) CloseSend() error {
	if cc.ended() {
		return nil
	}
	if err := cc.write(Frame{Type: THalfClose}); err != nil {
		cc.shutdown(transport.Unavailable(err))
	}
	return nil
}

func (cc *clientCall) Recv(ctx context.Context) ([]byte, error) {
	return cc.resps.Next(ctx)
}

func (cc *clientCall) Cancel() {
	if !cc.end(errors.NewServerError(status.Canceled, "call cancelled by the caller")) {
		return
	}

	// A server that stopped reading must not hold the channel open forever.
	timer := time.AfterFunc(cancelGrace, func() { cc.fc.Close() })
	cc.pool.Submit(context.Background(), func() {
		if err := cc.write(Frame{Type: TCancel}); err != nil {
			cc.log.Debug("CANCEL frame not delivered", zap.Error(err))
		}
		timer.Stop()
		cc.fc.Close()
	})
}
