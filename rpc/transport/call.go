package transport

import (
	"net"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
)

// ErrFinished is returned by ServerCall.Finish after the status was already sent.
var ErrFinished = errors.New("transport: call already finished")

// ClientCall is the transport-level primitive for the caller's side of one call.
// Payloads are encoded messages.
type ClientCall interface {
	// Send transmits one request payload, in order.
	Send(ctx context.Context, payload []byte) error
	// CloseSend signals the end of the request sequence.
	CloseSend() error
	// Recv returns the next response payload. It returns io.EOF after an OK terminal
	// status and an error carrying the status (see errors.FromError) otherwise.
	Recv(ctx context.Context) ([]byte, error)
	// Cancel aborts the call. The peer observes CANCELLED.
	Cancel()
}

// Caller opens calls. A Caller may be shared by many concurrent calls.
type Caller interface {
	// NewCall opens a call for c. The metadata of c is transmitted when the call
	// opens, so implementations seal c.
	NewCall(ctx context.Context, c *call.Call) (ClientCall, error)
}

// ServerCall is the transport-level primitive for the handler's side of one call.
type ServerCall interface {
	// Path is "/<service>/<method>".
	Path() string
	// Metadata is the caller's metadata. It is sealed.
	Metadata() *metadata.MD
	// Deadline is the caller's deadline, if it sent one.
	Deadline() (time.Time, bool)
	// RemoteAddr is the caller's address, if known.
	RemoteAddr() net.Addr
	// Recv returns the next request payload, or io.EOF after the caller half-closed.
	Recv(ctx context.Context) ([]byte, error)
	// Send transmits one response payload.
	Send(ctx context.Context, payload []byte) error
	// Finish sends the terminal status. Only the first call transmits; later calls
	// return ErrFinished.
	Finish(st status.Status) error
	// Done is closed when the call ends: it was finished, the caller cancelled, or the
	// carrier was lost.
	Done() <-chan struct{}
}

// CallHandler serves calls accepted by a transport.
type CallHandler interface {
	// HandleCall serves sc until it is finished. It must call sc.Finish exactly once.
	HandleCall(ctx context.Context, sc ServerCall)
}

// Unavailable returns the error a transport reports when its carrier is lost
// before the call's status arrived.
func Unavailable(err error) error {
	if err == nil {
		return errors.NewServerError(status.Unavailable, "transport closed")
	}
	return errors.NewServerError(status.Unavailable, "transport closed: "+err.Error())
}
