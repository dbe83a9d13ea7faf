package unix

import (
	"net"
	"os"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/transport"
)

type accepted struct {
	conn net.Conn
	err  error
}

// Listener implements transport.Listener for a Unix socket. Close removes the
// socket file.
type Listener struct {
	listener net.Listener
	cfg      *config
	path     string

	conns chan accepted
	once  sync.Once
	done  chan struct{}
}

// Listen creates a listener on the socket at path.
func Listen(ctx context.Context, path string, opts ...Option) (*Listener, error) {
	cfg := newConfig(opts)

	if cfg.unlinkExisting {
		if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
			if err := os.Remove(path); err != nil {
				return nil, err
			}
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, os.FileMode(cfg.socketMode)); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, err
	}

	l := &Listener{
		listener: ln,
		cfg:      cfg,
		path:     path,
		conns:    make(chan accepted),
		done:     make(chan struct{}),
	}
	context.Pool(ctx).Submit(ctx, l.acceptLoop)
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		select {
		case l.conns <- accepted{conn: conn, err: err}:
		case <-l.done:
			if conn != nil {
				conn.Close()
			}
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	case a := <-l.conns:
		if a.err != nil {
			if errors.Is(a.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, a.err
		}
		return newBufferedConn(a.conn, l.cfg.readBufferSize), nil
	}
}

// Close stops accepting and removes the socket file. Connections already accepted
// are not affected.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.listener.Close()
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	})
	return err
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Path returns the socket file path.
func (l *Listener) Path() string {
	return l.path
}

var _ transport.Listener = (*Listener)(nil)

// Shutdowner is implemented by call handlers that can drain in-flight calls, such
// as *server.Server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Server serves bridged calls from a Unix socket with a transport.CallHandler.
type Server struct {
	handler transport.CallHandler
	path    string
	opts    []Option
	cfg     *config

	mu       sync.Mutex
	listener *Listener
	closed   bool
}

// NewServer creates a Server for the socket at path. It does not listen until
// ListenAndServe or Serve is called.
func NewServer(h transport.CallHandler, path string, opts ...Option) *Server {
	return &Server{handler: h, path: path, opts: opts, cfg: newConfig(opts)}
}

// ListenAndServe listens on the Server's path and serves until the Server is closed
// or ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := Listen(ctx, s.path, s.opts...)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves calls from l. It closes l when it returns.
func (s *Server) Serve(ctx context.Context, l *Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	s.listener = l
	s.mu.Unlock()
	defer l.Close()

	err := bridge.ServeListener(ctx, l, s.handler, s.cfg.bridge...)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and, when the handler supports it, waits
// for in-flight calls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	if sd, ok := s.handler.(Shutdowner); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		return l.Close()
	}
	return nil
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}
