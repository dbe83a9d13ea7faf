package tcp

import (
	"crypto/tls"
	"net"

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

// Listener implements transport.Listener for TCP connections.
type Listener struct {
	listener net.Listener

	conns chan accepted
	once  sync.Once
	done  chan struct{}
}

// Listen creates a TCP listener on addr, in the form "host:port" or ":port".
func Listen(ctx context.Context, addr string, opts ...Option) (*Listener, error) {
	cfg := newConfig(opts)

	lc := net.ListenConfig{KeepAlive: cfg.keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.tlsConfig != nil {
		ln = tls.NewListener(ln, cfg.tlsConfig)
	}

	l := &Listener{
		listener: ln,
		conns:    make(chan accepted),
		done:     make(chan struct{}),
	}
	context.Pool(ctx).Submit(ctx, l.acceptLoop)
	return l, nil
}

// acceptLoop feeds Accept. net.Listener has no context support, so one goroutine
// accepts for the life of the listener.
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
		return transport.NetConnTransport(a.conn), nil
	}
}

// Close stops accepting. Connections already accepted are not affected.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.listener.Close()
	})
	return err
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

var _ transport.Listener = (*Listener)(nil)

// Shutdowner is implemented by call handlers that can drain in-flight calls, such
// as *server.Server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Server serves bridged calls from TCP connections with a transport.CallHandler.
//
// Example:
//
//	srv := server.New()
//	srv.MustRegister(desc, handler)
//
//	tcpSrv := tcp.NewServer(srv, ":8080")
//	if err := tcpSrv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server struct {
	handler transport.CallHandler
	addr    string
	cfg     *config

	mu       sync.Mutex
	listener *Listener
	closed   bool
}

// NewServer creates a Server. It does not listen until ListenAndServe or Serve is
// called.
func NewServer(h transport.CallHandler, addr string, opts ...Option) *Server {
	return &Server{handler: h, addr: addr, cfg: newConfig(opts)}
}

// ListenAndServe listens on the Server's address and serves until the Server is
// closed or ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := Listen(ctx, s.addr, WithTLSConfig(s.cfg.tlsConfig), WithKeepAlive(s.cfg.keepAlive))
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
