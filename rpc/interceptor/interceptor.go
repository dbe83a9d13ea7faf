// Package interceptor provides the interceptor types and the composition engine for
// cross-cutting concerns like authentication, logging, metrics, and tracing in RPC calls.
//
// Every call shape is presented to interceptors as a stream: a unary call is a stream
// with one request and one response. An interceptor wraps the stream it gets from the
// next layer and can observe or alter each message, but the shape of the call is fixed
// by its call.Descriptor and can't be changed.
package interceptor

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
)

// ClientStream is the caller's side of a call.
type ClientStream interface {
	// Context returns the context of the call.
	Context() context.Context
	// SendMsg sends one request item.
	SendMsg(m any) error
	// CloseSend signals that no more request items follow.
	CloseSend() error
	// RecvMsg receives one response item into m. It returns io.EOF after the call
	// ended with an OK status, or a *errors.ClientError after a non-OK status.
	RecvMsg(m any) error
	// Cancel aborts the call. It is safe to call at any time and more than once.
	Cancel()
}

// Streamer opens a client stream. It is the "next" layer seen by a ClientInterceptor.
type Streamer func(ctx context.Context) (ClientStream, error)

// ClientInterceptor intercepts calls on the client. It receives the call and the
// streamer for the rest of the chain. It must invoke streamer at most once per call
// attempt and may skip it entirely.
type ClientInterceptor func(ctx context.Context, info *call.Call, streamer Streamer) (ClientStream, error)

// ServerStream is the handler's side of a call.
type ServerStream interface {
	// Context returns the context of the call.
	Context() context.Context
	// SendMsg sends one response item.
	SendMsg(m any) error
	// RecvMsg receives one request item into m. It returns io.EOF when the caller has
	// sent all request items.
	RecvMsg(m any) error
}

// Handler handles a call on the server. It is the "next" layer seen by a ServerInterceptor.
type Handler func(ctx context.Context, stream ServerStream) error

// ServerInterceptor intercepts calls on the server. It receives the stream, the call
// and the handler for the rest of the chain.
type ServerInterceptor func(ctx context.Context, stream ServerStream, info *call.Call, handler Handler) error
