// Package tcp provides TCP (optionally TLS) carriers for bridged calls. Every call
// gets its own connection; dials are retried with exponential backoff.
package tcp

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/transport"
)

// ErrClosed is returned by a closed Listener or Server.
var ErrClosed = errors.New("tcp: closed")

// Dialer implements transport.Dialer for TCP connections.
type Dialer struct {
	addr string
	cfg  *config
}

// NewDialer creates a Dialer for addr, in the form "host:port".
func NewDialer(addr string, opts ...Option) (*Dialer, error) {
	cfg := newConfig(opts)
	// Reject a bad policy now rather than on the first call.
	if _, err := exponential.New(exponential.WithPolicy(cfg.retryPolicy)); err != nil {
		return nil, err
	}
	return &Dialer{addr: addr, cfg: cfg}, nil
}

// Dial connects to the Dialer's address. Failed dials are retried with backoff up
// to the maximum number of attempts or until ctx ends.
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
		c, err := d.dialOnce(ctx)
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
			return nil, fmt.Errorf("tcp: dial %s failed after %d attempts: %w", d.addr, attempts, lastErr)
		}
		return nil, err
	}
	return transport.NetConnTransport(conn), nil
}

func (d *Dialer) dialOnce(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{
		Timeout:   d.cfg.dialTimeout,
		KeepAlive: d.cfg.keepAlive,
	}
	if d.cfg.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: nd, Config: d.cfg.tlsConfig}
		return td.DialContext(ctx, "tcp", d.addr)
	}
	return nd.DialContext(ctx, "tcp", d.addr)
}

var _ transport.Dialer = (*Dialer)(nil)

// NewClient returns a bridge client that makes every call over a new connection to
// addr.
func NewClient(addr string, opts ...Option) (*bridge.Client, error) {
	d, err := NewDialer(addr, opts...)
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(bridge.StreamDialer(d, d.cfg.bridge...), d.cfg.bridge...), nil
}
