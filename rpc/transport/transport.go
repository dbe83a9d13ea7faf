// Package transport defines what the RPC runtime needs from a transport: call-level
// primitives that move framed messages plus a terminal status, and byte-stream
// carriers (TCP, HTTP/2) that the bridge multiplexes calls over.
package transport

import (
	"io"
	"net"

	"github.com/gostdlib/base/context"
)

// Transport is a byte-stream duplex carrier: an io.ReadWriteCloser with connection
// state information.
type Transport interface {
	io.ReadWriteCloser

	// LocalAddr returns the local network address, if known.
	// Returns nil if not applicable (e.g., for non-network transports).
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address, if known.
	// Returns nil if not applicable (e.g., for non-network transports).
	RemoteAddr() net.Addr
}

// Dialer creates new carrier connections to a remote endpoint.
type Dialer interface {
	// Dial establishes a new carrier connection.
	Dial(ctx context.Context) (Transport, error)
}

// DialFunc adapts a function to a Dialer.
type DialFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Listener accepts incoming carrier connections.
type Listener interface {
	// Accept waits for and returns the next incoming connection.
	Accept(ctx context.Context) (Transport, error)

	// Close stops the listener from accepting new connections.
	// Already accepted connections are not affected.
	Close() error

	// Addr returns the listener's network address.
	Addr() net.Addr
}

// NetConnTransport wraps a net.Conn to implement the Transport interface.
// A net.Conn already has every method Transport needs.
func NetConnTransport(conn net.Conn) Transport {
	return conn
}
