// Package context provides RPC-specific context utilities.
// It uses private key types to prevent collisions with other packages.
package context

import (
	"net"
	"strconv"

	"github.com/gostdlib/base/context"
)

// remoteAddrKey is a private type used as a context key for the remote address.
type remoteAddrKey struct{}

// RemoteAddr retrieves the address of the calling peer from ctx.
// Returns nil if not set.
func RemoteAddr(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrKey{}).(net.Addr)
	return addr
}

// WithRemoteAddr returns a context with the remote address attached.
// A nil addr leaves ctx unchanged.
func WithRemoteAddr(ctx context.Context, addr net.Addr) context.Context {
	if addr == nil {
		return ctx
	}
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// HostPort splits addr into its IP (or host) and port. ok is false when addr is nil
// or carries no port.
func HostPort(addr net.Addr) (host string, port int, ok bool) {
	switch a := addr.(type) {
	case nil:
		return "", 0, false
	case *net.TCPAddr:
		return a.IP.String(), a.Port, true
	case *net.UDPAddr:
		return a.IP.String(), a.Port, true
	}

	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false
	}
	return h, n, true
}
