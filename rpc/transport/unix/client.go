// Package unix provides Unix domain socket carriers for bridged calls. Like the TCP
// carrier, every call gets its own connection. Reads go through a bufio.Reader.
package unix

import (
	"bufio"
	"fmt"
	"net"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/transport"
)

// ErrClosed is returned by a closed Listener or Server.
var ErrClosed = errors.New("unix: closed")

// bufferedConn is a net.Conn whose reads are buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(conn net.Conn, size int) *bufferedConn {
	return &bufferedConn{Conn: conn, r: bufio.NewReaderSize(conn, size)}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Dialer implements transport.Dialer for a Unix socket path.
type Dialer struct {
	path string
	cfg  *config
}

// NewDialer creates a Dialer for the socket at path.
func NewDialer(path string, opts ...Option) (*Dialer, error) {
	if path == "" {
		return nil, errors.New("unix: empty socket path")
	}
	cfg := newConfig(opts)
	if _, err := exponential.New(exponential.WithPolicy(cfg.retryPolicy)); err != nil {
		return nil, err
	}
	return &Dialer{path: path, cfg: cfg}, nil
}

// Dial connects to the socket. Failed dials are retried with backoff up to the
// maximum number of attempts or until ctx ends.
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	backoff, err := exponential.New(exponential.WithPolicy(d.cfg.retryPolicy))
	if err != nil {
		return nil, err
	}

	var (
		conn     net.Conn
		lastErr  error
		attempts int
	)
	err = backoff.Retry(ctx, func(ctx context.Context, r exponential.Record) error {
		attempts++
		nd := &net.Dialer{Timeout: d.cfg.dialTimeout}
		c, err := nd.DialContext(ctx, "unix", d.path)
		if err != nil {
			lastErr = err
			if attempts >= d.cfg.maxDialAttempts {
				return exponential.ErrRetryCanceled
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("unix: dial %s failed after %d attempts: %w", d.path, attempts, lastErr)
		}
		return nil, err
	}
	return newBufferedConn(conn, d.cfg.readBufferSize), nil
}

var _ transport.Dialer = (*Dialer)(nil)

// NewClient returns a bridge client that makes every call over a new connection to
// the socket at path.
func NewClient(path string, opts ...Option) (*bridge.Client, error) {
	d, err := NewDialer(path, opts...)
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(bridge.StreamDialer(d, d.cfg.bridge...), d.cfg.bridge...), nil
}
