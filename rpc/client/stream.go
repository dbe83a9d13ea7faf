package client

import (
	"io"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
)

// openStream opens the transport call. It is the innermost streamer of every chain.
// A call whose context already ended never reaches the transport.
func (c *Conn) openStream(ctx context.Context, info *call.Call) (interceptor.ClientStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ToClientError(info.Path(), err)
	}
	cc, err := c.caller.NewCall(ctx, info)
	if err != nil {
		return nil, errors.ToClientError(info.Path(), err)
	}
	// The header carrying the metadata has gone out.
	info.Seal()

	s := &clientStream{
		ctx:  ctx,
		info: info,
		c:    c,
		cc:   cc,
		done: make(chan struct{}),
	}

	context.Pool(ctx).Submit(ctx, func() {
		select {
		case <-ctx.Done():
			s.cc.Cancel()
		case <-s.done:
		}
	})
	// The pool drops the watcher if ctx ended before it started.
	if ctx.Err() != nil {
		s.cc.Cancel()
	}
	return s, nil
}

// clientStream adapts a transport.ClientCall to interceptor.ClientStream.
type clientStream struct {
	ctx  context.Context
	info *call.Call
	c    *Conn
	cc   transport.ClientCall

	once sync.Once
	done chan struct{}
}

func (s *clientStream) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *clientStream) Context() context.Context {
	return s.ctx
}

func (s *clientStream) SendMsg(m any) error {
	b, err := s.c.codec.Marshal(m)
	if err != nil {
		return errors.NewClientError(s.info.Path(), status.Internal, "encode request: "+err.Error())
	}
	if err := s.cc.Send(s.ctx, b); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return s.convert(err)
	}
	return nil
}

func (s *clientStream) CloseSend() error {
	return s.cc.CloseSend()
}

func (s *clientStream) RecvMsg(m any) error {
	b, err := s.cc.Recv(s.ctx)
	if err != nil {
		s.finish()
		if err == io.EOF {
			return io.EOF
		}
		return s.convert(err)
	}
	if err := s.c.codec.Unmarshal(b, m); err != nil {
		s.Cancel()
		return errors.NewClientError(s.info.Path(), status.Internal, "decode response: "+err.Error())
	}
	return nil
}

func (s *clientStream) Cancel() {
	s.cc.Cancel()
	s.finish()
}

// convert turns a transport error into a ClientError. When the call's own context
// ended, its error wins over what the transport reported for the abort.
func (s *clientStream) convert(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return errors.ToClientError(s.info.Path(), ctxErr)
	}
	return errors.ToClientError(s.info.Path(), err)
}

// outerStream releases the call's context once the whole chain has seen the end of
// the call.
type outerStream struct {
	interceptor.ClientStream
	cancel context.CancelFunc
}

func (o *outerStream) RecvMsg(m any) error {
	err := o.ClientStream.RecvMsg(m)
	if err != nil {
		o.cancel()
	}
	return err
}

func (o *outerStream) Cancel() {
	o.ClientStream.Cancel()
	o.cancel()
}
