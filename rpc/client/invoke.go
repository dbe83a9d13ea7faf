package client

import (
	"fmt"
	"io"
	"iter"
	"sync/atomic"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

func checkShape(desc call.Descriptor, want call.Kind) {
	if got := desc.Kind(); got != want {
		panic(fmt.Sprintf("client: %s is a %s method, called as %s", desc.Path(), got, want))
	}
}

// Unary makes a call with one request and one response.
func Unary[Req, Resp any](ctx context.Context, c *Conn, desc call.Descriptor, req Req, opts ...CallOption) (Resp, error) {
	checkShape(desc, call.Unary)

	var resp Resp
	cs, err := c.NewStream(ctx, desc, opts...)
	if err != nil {
		return resp, err
	}
	if err := sendAll(cs, func(yield func(Req) bool) { yield(req) }, nil); err != nil {
		return resp, err
	}
	return recvOne[Resp](cs, desc)
}

// ClientStreaming makes a call that sends every item of reqs and receives one
// response. Sending stops early if the call ends first.
func ClientStreaming[Req, Resp any](ctx context.Context, c *Conn, desc call.Descriptor, reqs iter.Seq[Req], opts ...CallOption) (Resp, error) {
	checkShape(desc, call.ClientStream)

	var resp Resp
	cs, err := c.NewStream(ctx, desc, opts...)
	if err != nil {
		return resp, err
	}
	if err := sendAll(cs, reqs, nil); err != nil {
		return resp, err
	}
	return recvOne[Resp](cs, desc)
}

// ServerStreaming makes a call with one request and returns its responses as a
// sequence. The call starts when iteration starts. An error ends the sequence as its
// last element. Stopping the iteration early cancels the call.
func ServerStreaming[Req, Resp any](ctx context.Context, c *Conn, desc call.Descriptor, req Req, opts ...CallOption) iter.Seq2[Resp, error] {
	checkShape(desc, call.ServerStream)

	return func(yield func(Resp, error) bool) {
		cs, err := c.NewStream(ctx, desc, opts...)
		if err != nil {
			var zero Resp
			yield(zero, err)
			return
		}
		if err := sendAll(cs, func(yield func(Req) bool) { yield(req) }, nil); err != nil {
			var zero Resp
			yield(zero, err)
			return
		}
		recvAll(cs, yield)
	}
}

// BiDi makes a call whose requests are taken from reqs while responses are read. The
// requests are consumed on a separate goroutine. The call starts when iteration of
// the returned sequence starts. Stopping the iteration early cancels the call.
func BiDi[Req, Resp any](ctx context.Context, c *Conn, desc call.Descriptor, reqs iter.Seq[Req], opts ...CallOption) iter.Seq2[Resp, error] {
	checkShape(desc, call.BiDi)

	return func(yield func(Resp, error) bool) {
		cs, err := c.NewStream(ctx, desc, opts...)
		if err != nil {
			var zero Resp
			yield(zero, err)
			return
		}

		var pumpErr atomic.Pointer[error]
		context.Pool(ctx).Submit(ctx, func() {
			// The error is stored before the call is cancelled so the receive side
			// reports it instead of CANCELLED.
			sendAll(cs, reqs, func(err error) { pumpErr.Store(&err) })
		})

		recvAll(cs, func(resp Resp, err error) bool {
			if err != nil {
				if p := pumpErr.Load(); p != nil {
					err = *p
				}
			}
			return yield(resp, err)
		})
	}
}

// sendAll sends every request and half-closes. If the call ended while sending, the
// remaining requests are dropped and the outcome is left to the receive side. Any
// other send failure is passed to failed, if set, then cancels the call and is
// returned.
func sendAll[Req any](cs interceptor.ClientStream, reqs iter.Seq[Req], failed func(error)) error {
	for req := range reqs {
		err := cs.SendMsg(req)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if failed != nil {
				failed(err)
			}
			cs.Cancel()
			return err
		}
	}
	return cs.CloseSend()
}

// recvOne reads the single response of a unary or client-streaming call and then the
// terminal status.
func recvOne[Resp any](cs interceptor.ClientStream, desc call.Descriptor) (Resp, error) {
	var resp Resp
	switch err := cs.RecvMsg(&resp); {
	case err == io.EOF:
		return resp, errors.NewClientError(desc.Path(), status.Internal, "call ended without a response")
	case err != nil:
		return resp, err
	}

	var extra Resp
	switch err := cs.RecvMsg(&extra); {
	case err == nil:
		cs.Cancel()
		return resp, errors.NewClientError(desc.Path(), status.Internal, "more than one response")
	case err != io.EOF:
		return resp, err
	}
	return resp, nil
}

// recvAll yields responses until the call ends. An early stop cancels the call.
func recvAll[Resp any](cs interceptor.ClientStream, yield func(Resp, error) bool) {
	for {
		var resp Resp
		err := cs.RecvMsg(&resp)
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(resp, err)
			return
		}
		if !yield(resp, nil) {
			cs.Cancel()
			return
		}
	}
}
