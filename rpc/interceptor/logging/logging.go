// Package logging provides interceptors that log one line per finished call.
//
// Each call gets an id. The client sends it as the "x-request-id" metadata entry
// unless the caller set one, and the server logs the id it received so both sides of
// a call can be matched up.
package logging

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
)

// RequestIDKey is the metadata key carrying the call id.
const RequestIDKey = "x-request-id"

// Level returns the level a call ending with code is logged at.
func Level(code status.Code) zapcore.Level {
	switch code {
	case status.OK:
		return zapcore.InfoLevel
	case status.Internal, status.Unknown, status.DataLoss:
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}

type record struct {
	log   *zap.Logger
	msg   string
	info  *call.Call
	id    string
	start time.Time

	mu       sync.Mutex
	sent     int
	received int
	once     sync.Once
}

func (r *record) addSent() {
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
}

func (r *record) addReceived() {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *record) finish(err error) {
	r.once.Do(func() {
		st := errors.FromError(err)

		r.mu.Lock()
		sent, received := r.sent, r.received
		r.mu.Unlock()

		fields := []zap.Field{
			zap.String("rpc.path", r.info.Path()),
			zap.Stringer("rpc.kind", r.info.Descriptor().Kind()),
			zap.Stringer("rpc.code", st.Code),
			zap.String("rpc.call_id", r.id),
			zap.Duration("duration", time.Since(r.start)),
			zap.Int("sent", sent),
			zap.Int("received", received),
		}
		if !st.IsOK() {
			fields = append(fields, zap.String("error", st.Message))
		}
		if ce := r.log.Check(Level(st.Code), r.msg); ce != nil {
			ce.Write(fields...)
		}
	})
}

// ClientInterceptor returns a client interceptor logging every call to l.
func ClientInterceptor(l *zap.Logger) interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		id := info.Metadata().Get(RequestIDKey)
		if id == "" {
			id = uuid.NewString()
			if !info.Sealed() {
				info.Metadata().Set(RequestIDKey, id)
			}
		}
		r := &record{log: l, msg: "client call", info: info, id: id, start: time.Now()}

		cs, err := streamer(ctx)
		if err != nil {
			r.finish(err)
			return nil, err
		}
		return &clientStream{ClientStream: cs, r: r}, nil
	}
}

type clientStream struct {
	interceptor.ClientStream
	r *record
}

func (s *clientStream) SendMsg(m any) error {
	err := s.ClientStream.SendMsg(m)
	if err == nil {
		s.r.addSent()
	}
	return err
}

func (s *clientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err == nil:
		s.r.addReceived()
	case err == io.EOF:
		s.r.finish(nil)
	default:
		s.r.finish(err)
	}
	return err
}

func (s *clientStream) Cancel() {
	s.ClientStream.Cancel()
	s.r.finish(context.Canceled)
}

// ServerInterceptor returns a server interceptor logging every call to l.
func ServerInterceptor(l *zap.Logger) interceptor.ServerInterceptor {
	return func(ctx context.Context, stream interceptor.ServerStream, info *call.Call, handler interceptor.Handler) error {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			id = md.Get(RequestIDKey)
		}
		if id == "" {
			id = uuid.NewString()
		}
		r := &record{log: l, msg: "server call", info: info, id: id, start: time.Now()}

		err := handler(ctx, &serverStream{ServerStream: stream, r: r})
		r.finish(err)
		return err
	}
}

type serverStream struct {
	interceptor.ServerStream
	r *record
}

func (s *serverStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.r.addSent()
	}
	return err
}

func (s *serverStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.r.addReceived()
	}
	return err
}
