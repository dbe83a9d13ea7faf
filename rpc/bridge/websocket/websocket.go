// Package websocket carries bridged calls over WebSocket connections, one call per
// connection and one frame per binary message. It is the carrier for peers, such
// as browsers, that cannot open full-duplex HTTP/2 streams.
package websocket

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/transport"
)

const closeTimeout = time.Second

type config struct {
	bridge      []bridge.Option
	header      http.Header
	checkOrigin func(*http.Request) bool
	readLimit   int64
	log         *zap.Logger
}

func newConfig(opts []Option) config {
	c := config{
		readLimit: int64(bridge.DefaultMaxFrameSize),
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Option configures Dial and Handler.
type Option func(*config)

// WithBridgeOptions passes options to the bridge client or server.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(c *config) {
		c.bridge = append(c.bridge, opts...)
	}
}

// WithHeader sets HTTP headers sent with the dial handshake.
func WithHeader(h http.Header) Option {
	return func(c *config) {
		c.header = h
	}
}

// WithCheckOrigin sets the origin check of the handshake. The default rejects
// cross-origin requests.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *config) {
		c.checkOrigin = fn
	}
}

// WithReadLimit bounds the size of a received message. Default is
// bridge.DefaultMaxFrameSize.
func WithReadLimit(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithLogger sets the logger of a Handler.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// Conn adapts a WebSocket connection to bridge.FrameConn.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	typ, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d, want binary", bridge.ErrProtocol, typ)
	}
	return b, nil
}

func (c *Conn) WriteFrame(b []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a close message and closes the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return c.ws.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

var _ bridge.FrameConn = (*Conn)(nil)

// Dial returns a bridge.DialFunc that opens a WebSocket connection to url, such as
// "ws://localhost:8080/rpc", for every call.
func Dial(url string, opts ...Option) bridge.DialFunc {
	cfg := newConfig(opts)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	return func(ctx context.Context) (bridge.FrameConn, error) {
		ws, _, err := dialer.DialContext(ctx, url, cfg.header)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		ws.SetReadLimit(cfg.readLimit)
		return NewConn(ws), nil
	}
}

// NewClient returns a bridge client that makes every call over a new WebSocket
// connection to url.
func NewClient(url string, opts ...Option) *bridge.Client {
	cfg := newConfig(opts)
	return bridge.NewClient(Dial(url, opts...), cfg.bridge...)
}

// Handler is an http.Handler that upgrades each request to a WebSocket and serves
// one call on it.
type Handler struct {
	h        transport.CallHandler
	cfg      config
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler serving calls with h.
func NewHandler(h transport.CallHandler, opts ...Option) *Handler {
	cfg := newConfig(opts)
	return &Handler{
		h:   h,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.cfg.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(h.cfg.readLimit)

	if err := bridge.Serve(r.Context(), NewConn(ws), h.h, h.cfg.bridge...); err != nil {
		h.cfg.log.Debug("bridged call failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}
