package bridge

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/values/sizes"

	"github.com/bearlytools/tern/rpc/transport"
)

// DefaultMaxFrameSize is the largest frame accepted unless WithMaxFrameSize says
// otherwise.
const DefaultMaxFrameSize = 4 * sizes.MiB

// DefaultMaxBacklog is the default for WithMaxBacklog.
const DefaultMaxBacklog = 16 * sizes.MiB

// FrameConn is a channel that moves whole frames. ReadFrame and WriteFrame may run
// concurrently with each other, but each must only be called by one goroutine at a
// time.
type FrameConn interface {
	// ReadFrame returns the next frame. The returned slice is owned by the caller.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one frame.
	WriteFrame(b []byte) error
	// Close closes the channel. Blocked ReadFrame and WriteFrame calls return.
	Close() error
	// RemoteAddr returns the peer's address, if known.
	RemoteAddr() net.Addr
}

type options struct {
	log          *zap.Logger
	compressor   string
	buffer       int
	maxFrameSize int
	maxBacklog   int
}

func newOptions(opts []Option) options {
	o := options{
		log:          zap.NewNop(),
		buffer:       8,
		maxFrameSize: int(DefaultMaxFrameSize),
		maxBacklog:   int(DefaultMaxBacklog),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the client, the server and frame channels.
type Option func(*options)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCompressor selects the compressor, by its registered name, the client applies
// to every call. The server follows the name given in the call's header.
func WithCompressor(name string) Option {
	return func(o *options) {
		o.compressor = name
	}
}

// WithBuffer sets how many received messages are buffered per call before the
// reader stops reading from the channel. Default is 8. The server keeps reading
// past the buffer, see WithMaxBacklog.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// WithMaxBacklog bounds the bytes of request messages the server holds for a call
// whose handler is not keeping up. The server keeps reading frames while the
// handler is behind so that a cancel or a lost channel is noticed; a call whose
// backlog grows past n ends with RESOURCE_EXHAUSTED. Default is DefaultMaxBacklog.
func WithMaxBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBacklog = n
		}
	}
}

// WithMaxFrameSize bounds the size of frames on byte-stream channels.
// Default is DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// streamFrames frames a byte stream with a uvarint length before each frame.
type streamFrames struct {
	t   transport.Transport
	r   *bufio.Reader
	max int
}

// StreamFrames turns a byte-stream carrier into a FrameConn. Each frame is preceded
// by its length as a uvarint.
func StreamFrames(t transport.Transport, opts ...Option) FrameConn {
	o := newOptions(opts)
	return &streamFrames{t: t, r: bufio.NewReader(t), max: o.maxFrameSize}
}

func (s *streamFrames) ReadFrame() ([]byte, error) {
	n, err := binary.ReadUvarint(s.r)
	if err != nil {
		return nil, err
	}
	if n > uint64(s.max) {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrFrameTooLarge, n, s.max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

func (s *streamFrames) WriteFrame(b []byte) error {
	if len(b) > s.max {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrFrameTooLarge, len(b), s.max)
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(b))
	buf = protowire.AppendVarint(buf, uint64(len(b)))
	buf = append(buf, b...)
	_, err := s.t.Write(buf)
	return err
}

func (s *streamFrames) Close() error {
	return s.t.Close()
}

func (s *streamFrames) RemoteAddr() net.Addr {
	return s.t.RemoteAddr()
}

// DialFunc opens the channel for one call.
type DialFunc func(ctx context.Context) (FrameConn, error)

// StreamDialer returns a DialFunc that frames each carrier d dials.
func StreamDialer(d transport.Dialer, opts ...Option) DialFunc {
	return func(ctx context.Context) (FrameConn, error) {
		t, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return StreamFrames(t, opts...), nil
	}
}
