package interceptor

import (
	"slices"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
)

// ComposeClient returns a Streamer that runs interceptors around final. The first
// interceptor is outermost. With no interceptors, final itself is returned.
func ComposeClient(interceptors []ClientInterceptor, info *call.Call, final Streamer) Streamer {
	return composeClient(interceptors, 0, info, final)
}

func composeClient(interceptors []ClientInterceptor, idx int, info *call.Call, final Streamer) Streamer {
	if idx == len(interceptors) {
		return final
	}
	return func(ctx context.Context) (ClientStream, error) {
		return interceptors[idx](ctx, info, composeClient(interceptors, idx+1, info, final))
	}
}

// ComposeServer returns a Handler that runs interceptors around final. The first
// interceptor is outermost. With no interceptors, final itself is returned.
func ComposeServer(interceptors []ServerInterceptor, info *call.Call, final Handler) Handler {
	return composeServer(interceptors, 0, info, final)
}

func composeServer(interceptors []ServerInterceptor, idx int, info *call.Call, final Handler) Handler {
	if idx == len(interceptors) {
		return final
	}
	return func(ctx context.Context, stream ServerStream) error {
		return interceptors[idx](ctx, stream, info, composeServer(interceptors, idx+1, info, final))
	}
}

// ChainClient chains multiple client interceptors into one.
// Interceptors are executed in the order provided. Returns nil for no interceptors.
func ChainClient(interceptors ...ClientInterceptor) ClientInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	interceptors = slices.Clone(interceptors)

	return func(ctx context.Context, info *call.Call, streamer Streamer) (ClientStream, error) {
		return ComposeClient(interceptors, info, streamer)(ctx)
	}
}

// ChainServer chains multiple server interceptors into one.
// Interceptors are executed in the order provided. Returns nil for no interceptors.
func ChainServer(interceptors ...ServerInterceptor) ServerInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	interceptors = slices.Clone(interceptors)

	return func(ctx context.Context, stream ServerStream, info *call.Call, handler Handler) error {
		return ComposeServer(interceptors, info, handler)(ctx, stream)
	}
}

// Chain is an ordered list of interceptors resolved once by Build. I is either
// ClientInterceptor or ServerInterceptor. The zero value is ready to use.
type Chain[I ClientInterceptor | ServerInterceptor] struct {
	mu   sync.Mutex
	list []I
}

// Use appends interceptors to the chain. Registration order is the only thing that
// decides nesting: the first interceptor added is outermost.
func (c *Chain[I]) Use(interceptors ...I) *Chain[I] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, interceptors...)
	return c
}

// Len returns the number of registered interceptors.
func (c *Chain[I]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.list)
}

// Build returns a snapshot of the registered interceptors. Later calls to Use do not
// change what was returned.
func (c *Chain[I]) Build() []I {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.list)
}
