// Package http carries bridged calls over HTTP/2 streams, one POST per call. The
// request body carries the caller's frames and the response body the server's.
// Plain http URLs use h2c.
package http

import (
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/transport"
)

// ContentType is the MIME type of a bridged call.
const ContentType = "application/x-tern-bridge"

// ProtocolVersionHeader is the header name for protocol version.
const ProtocolVersionHeader = "X-Tern-Protocol-Version"

// ProtocolVersion is the current protocol version.
const ProtocolVersion = "1.0"

// httpAddr implements net.Addr for endpoints only known by URL host.
type httpAddr struct {
	network string
	addr    string
}

func (a *httpAddr) Network() string { return a.network }
func (a *httpAddr) String() string  { return a.addr }

// serverTransport is the handler's side of a call's stream: the request body for
// reading and the flushed response for writing.
type serverTransport struct {
	reader     io.ReadCloser
	writer     io.Writer
	flusher    http.Flusher
	localAddr  net.Addr
	remoteAddr net.Addr

	mu     sync.Mutex
	closed bool
}

func (t *serverTransport) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *serverTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The ResponseWriter is invalid once ServeHTTP returns.
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := t.writer.Write(p)
	if err != nil {
		return n, err
	}
	t.flusher.Flush()
	return n, nil
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.reader.Close()
}

func (t *serverTransport) LocalAddr() net.Addr {
	return t.localAddr
}

func (t *serverTransport) RemoteAddr() net.Addr {
	return t.remoteAddr
}

var _ transport.Transport = (*serverTransport)(nil)

// clientTransport is the caller's side of a call's stream.
type clientTransport struct {
	body   *io.PipeWriter
	resp   *http.Response
	remote net.Addr
	cancel context.CancelFunc
	once   sync.Once
}

func (t *clientTransport) Read(p []byte) (int, error) {
	return t.resp.Body.Read(p)
}

func (t *clientTransport) Write(p []byte) (int, error) {
	return t.body.Write(p)
}

func (t *clientTransport) Close() error {
	t.once.Do(func() {
		t.body.Close()
		t.resp.Body.Close()
		t.cancel()
	})
	return nil
}

func (t *clientTransport) LocalAddr() net.Addr {
	return nil
}

func (t *clientTransport) RemoteAddr() net.Addr {
	return t.remote
}

var _ transport.Transport = (*clientTransport)(nil)

// remoteAddr returns the caller's address. The first X-Forwarded-For entry wins
// over the connection's address.
func remoteAddr(r *http.Request) net.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip, err := netip.ParseAddr(first); err == nil {
			return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, 0))
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return net.TCPAddrFromAddrPort(ap)
	}
	return &httpAddr{network: "tcp", addr: r.RemoteAddr}
}

// localAddr returns the address the request arrived on.
func localAddr(r *http.Request) net.Addr {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		return addr
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &httpAddr{network: scheme, addr: r.Host}
}
