package interceptor

import (
	"github.com/gostdlib/base/context"
)

// wrappedServerStream replaces the context of a ServerStream.
type wrappedServerStream struct {
	ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// WrapServerStream returns ss with its Context replaced by ctx. Interceptors that
// derive a new context (for example to add a span) use this to hand it to the
// handler.
func WrapServerStream(ss ServerStream, ctx context.Context) ServerStream {
	if w, ok := ss.(*wrappedServerStream); ok {
		return &wrappedServerStream{ServerStream: w.ServerStream, ctx: ctx}
	}
	return &wrappedServerStream{ServerStream: ss, ctx: ctx}
}

// wrappedClientStream replaces the context of a ClientStream.
type wrappedClientStream struct {
	ClientStream
	ctx context.Context
}

func (w *wrappedClientStream) Context() context.Context {
	return w.ctx
}

// WrapClientStream returns cs with its Context replaced by ctx.
func WrapClientStream(cs ClientStream, ctx context.Context) ClientStream {
	if w, ok := cs.(*wrappedClientStream); ok {
		return &wrappedClientStream{ClientStream: w.ClientStream, ctx: ctx}
	}
	return &wrappedClientStream{ClientStream: cs, ctx: ctx}
}
