package server

import (
	"io"
	"iter"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

// Handler is implemented by the four handler variants: Unary, ClientStream,
// ServerStream and BiDi. The set is closed.
type Handler interface {
	// Kind is the call shape this handler serves.
	Kind() call.Kind
	serve(ctx context.Context, stream interceptor.ServerStream) error
}

// Unary handles a call with one request and one response.
type Unary[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Kind implements Handler.
func (Unary[Req, Resp]) Kind() call.Kind { return call.Unary }

func (h Unary[Req, Resp]) serve(ctx context.Context, stream interceptor.ServerStream) error {
	req, err := recvOne[Req](stream)
	if err != nil {
		return err
	}
	resp, err := h(ctx, req)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

// ClientStream handles a call with a request sequence and one response.
type ClientStream[Req, Resp any] func(ctx context.Context, reqs *Receiver[Req]) (Resp, error)

// Kind implements Handler.
func (ClientStream[Req, Resp]) Kind() call.Kind { return call.ClientStream }

func (h ClientStream[Req, Resp]) serve(ctx context.Context, stream interceptor.ServerStream) error {
	resp, err := h(ctx, &Receiver[Req]{stream: stream})
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

// ServerStream handles a call with one request and a response sequence.
type ServerStream[Req, Resp any] func(ctx context.Context, req Req, out *Sender[Resp]) error

// Kind implements Handler.
func (ServerStream[Req, Resp]) Kind() call.Kind { return call.ServerStream }

func (h ServerStream[Req, Resp]) serve(ctx context.Context, stream interceptor.ServerStream) error {
	req, err := recvOne[Req](stream)
	if err != nil {
		return err
	}
	return h(ctx, req, &Sender[Resp]{stream: stream})
}

// BiDi handles a call with a request sequence and a response sequence.
type BiDi[Req, Resp any] func(ctx context.Context, reqs *Receiver[Req], out *Sender[Resp]) error

// Kind implements Handler.
func (BiDi[Req, Resp]) Kind() call.Kind { return call.BiDi }

func (h BiDi[Req, Resp]) serve(ctx context.Context, stream interceptor.ServerStream) error {
	return h(ctx, &Receiver[Req]{stream: stream}, &Sender[Resp]{stream: stream})
}

// recvOne reads the single request of a unary or server-streaming call.
func recvOne[Req any](stream interceptor.ServerStream) (Req, error) {
	var req Req
	if err := stream.RecvMsg(&req); err != nil {
		if err == io.EOF {
			return req, errors.NewServerError(status.InvalidArgument, "missing request message")
		}
		return req, err
	}
	return req, nil
}

// Receiver is the request sequence of a client-streaming or bidi call. Items are
// read lazily: nothing is received until the handler asks for it.
type Receiver[Req any] struct {
	stream interceptor.ServerStream
}

// Recv returns the next request, or io.EOF when the caller has finished sending.
func (r *Receiver[Req]) Recv() (Req, error) {
	var req Req
	err := r.stream.RecvMsg(&req)
	return req, err
}

// All returns the remaining requests as a sequence. A receive error other than io.EOF
// is yielded once as the last element.
func (r *Receiver[Req]) All() iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) {
		for {
			req, err := r.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(req, err)
				return
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}

// Sender is the response sequence of a server-streaming or bidi call.
type Sender[Resp any] struct {
	stream interceptor.ServerStream
}

// Send sends one response. Metadata of the call can't be changed after the first Send.
func (s *Sender[Resp]) Send(resp Resp) error {
	return s.stream.SendMsg(resp)
}
