package otel

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/bearlytools/tern/rpc/call"
	rpcctx "github.com/bearlytools/tern/rpc/context"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
)

const instrumentationName = "github.com/bearlytools/tern/rpc"

// Interceptor holds the OTEL instrumentation state.
type Interceptor struct {
	cfg        Config
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	server instruments
	client instruments
}

type instruments struct {
	duration     metric.Float64Histogram
	calls        metric.Int64Counter
	requestSize  metric.Int64Histogram
	responseSize metric.Int64Histogram
}

// New creates a new OTEL Interceptor with the given configuration.
func New(ctx context.Context, cfg Config) (*Interceptor, error) {
	i := &Interceptor{cfg: cfg}

	if cfg.EnableTracing {
		tp := cfg.TracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		i.tracer = tp.Tracer(instrumentationName)

		i.propagator = cfg.Propagator
		if i.propagator == nil {
			i.propagator = otel.GetTextMapPropagator()
		}
	}

	if cfg.EnableMetrics {
		if err := i.initMetrics(ctx); err != nil {
			return nil, err
		}
	}

	// Compile trace rules if provided.
	if cfg.TraceRules != nil {
		if err := cfg.TraceRules.compile(); err != nil {
			return nil, err
		}
	}

	return i, nil
}

// initMetrics initializes the OTEL metric instruments.
func (i *Interceptor) initMetrics(ctx context.Context) error {
	var meter metric.Meter
	if i.cfg.MeterProvider != nil {
		meter = i.cfg.MeterProvider.Meter(instrumentationName)
	} else {
		meter = context.Meter(ctx)
	}

	var err error
	if i.server, err = newInstruments(meter, "server", i.cfg.RecordMessageSize); err != nil {
		return err
	}
	if i.client, err = newInstruments(meter, "client", i.cfg.RecordMessageSize); err != nil {
		return err
	}
	return nil
}

func newInstruments(meter metric.Meter, side string, sizes bool) (instruments, error) {
	var in instruments
	var err error

	in.duration, err = meter.Float64Histogram(
		"rpc."+side+".duration",
		metric.WithDescription("Duration of RPC "+side+" calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return in, err
	}

	in.calls, err = meter.Int64Counter(
		"rpc."+side+".calls",
		metric.WithDescription("Total number of completed RPC "+side+" calls"),
	)
	if err != nil {
		return in, err
	}

	if !sizes {
		return in, nil
	}

	in.requestSize, err = meter.Int64Histogram(
		"rpc."+side+".request.size",
		metric.WithDescription("Size of RPC "+side+" request messages in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return in, err
	}

	in.responseSize, err = meter.Int64Histogram(
		"rpc."+side+".response.size",
		metric.WithDescription("Size of RPC "+side+" response messages in bytes"),
		metric.WithUnit("By"),
	)
	return in, err
}

func baseAttrs(desc call.Descriptor) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", desc.Service),
		attribute.String("rpc.method", desc.Method),
	}
}

// record is the telemetry state of one call on one side. finish is its only exit.
type record struct {
	i     *Interceptor
	ins   *instruments
	desc  call.Descriptor
	span  trace.Span // nil when the call isn't traced
	start time.Time

	sentEvents bool
	recvEvents bool
	sentSize   metric.Int64Histogram
	recvSize   metric.Int64Histogram
	sent       atomic.Int64
	received   atomic.Int64

	once sync.Once
	done chan struct{}
}

func (i *Interceptor) newRecord(ins *instruments, desc call.Descriptor, span trace.Span, server bool) *record {
	all := i.cfg.MessageEvents == AllMessages
	sentStreams, recvStreams := desc.RequestStream, desc.ResponseStream
	sentSize, recvSize := ins.requestSize, ins.responseSize
	if server {
		sentStreams, recvStreams = recvStreams, sentStreams
		sentSize, recvSize = recvSize, sentSize
	}
	return &record{
		i:          i,
		ins:        ins,
		desc:       desc,
		span:       span,
		start:      time.Now(),
		sentEvents: all || sentStreams,
		recvEvents: all || recvStreams,
		sentSize:   sentSize,
		recvSize:   recvSize,
		done:       make(chan struct{}),
	}
}

func (r *record) message(ctx context.Context, typ string, m any) {
	var id int64
	var events bool
	var size metric.Int64Histogram

	switch typ {
	case "SENT":
		id, events, size = r.sent.Add(1), r.sentEvents, r.sentSize
	default:
		id, events, size = r.received.Add(1), r.recvEvents, r.recvSize
	}

	if r.span != nil && events {
		r.span.AddEvent("message", trace.WithAttributes(
			attribute.Int("message.id", int(id)),
			attribute.String("message.type", typ),
		))
	}
	if size != nil {
		if n, ok := messageSize(m); ok {
			size.Record(ctx, int64(n), metric.WithAttributes(
				attribute.String("rpc.service", r.desc.Service),
				attribute.String("rpc.method", r.desc.Method),
			))
		}
	}
}

// finish ends the call's telemetry with the status derived from err. Only the first
// call has an effect.
func (r *record) finish(ctx context.Context, err error) {
	r.once.Do(func() {
		defer close(r.done)

		if err == io.EOF {
			err = nil
		}
		st := errors.FromError(err)

		if r.span != nil {
			r.span.SetAttributes(
				attribute.Int("rpc.grpc.status_code", int(st.Code)),
				attribute.String("rpc.grpc.status_text", st.Code.String()),
			)
			if !st.IsOK() {
				r.span.SetStatus(codes.Error, fmt.Sprintf("%s: %s", st.Code, st.Message))
			}
			r.span.End()
		}

		if r.i.cfg.EnableMetrics {
			attrs := metric.WithAttributes(
				attribute.String("rpc.service", r.desc.Service),
				attribute.String("rpc.method", r.desc.Method),
				attribute.Int("rpc.grpc.status_code", int(st.Code)),
			)
			r.ins.duration.Record(ctx, float64(time.Since(r.start))/float64(time.Millisecond), attrs)
			r.ins.calls.Add(ctx, 1, attrs)
		}
	})
}

// messageSize returns the encoded size of m when it can be known without encoding
// it again.
func messageSize(m any) (int, bool) {
	switch v := m.(type) {
	case proto.Message:
		return proto.Size(v), true
	case []byte:
		return len(v), true
	case string:
		return len(v), true
	case *[]byte:
		return len(*v), true
	case *string:
		return len(*v), true
	}
	return 0, false
}

// ClientInterceptor returns a client interceptor with tracing and metrics.
func (i *Interceptor) ClientInterceptor() interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		desc := info.Descriptor()

		var span trace.Span
		if i.cfg.EnableTracing && i.cfg.TraceRules.allows("", desc, info.Metadata()) {
			ctx, span = i.tracer.Start(ctx, desc.Name(),
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(baseAttrs(desc)...),
			)
			// An outer retry or hedge opens further attempts on a call that is
			// already sealed; those keep the trace context of the first attempt.
			if !info.Sealed() {
				i.propagator.Inject(ctx, mdCarrier{md: info.Metadata()})
			}
		}
		rec := i.newRecord(&i.client, desc, span, false)

		cs, err := streamer(ctx)
		if err != nil {
			rec.finish(ctx, err)
			return nil, err
		}

		// Cancellation can end a call while nobody is reading from it.
		context.Pool(ctx).Submit(ctx, func() {
			select {
			case <-ctx.Done():
				rec.finish(ctx, ctx.Err())
			case <-rec.done:
			}
		})
		if err := ctx.Err(); err != nil {
			rec.finish(ctx, err)
		}

		return &clientStream{ClientStream: cs, ctx: ctx, rec: rec}, nil
	}
}

type clientStream struct {
	interceptor.ClientStream
	ctx context.Context
	rec *record
}

func (s *clientStream) Context() context.Context {
	return s.ctx
}

func (s *clientStream) SendMsg(m any) error {
	err := s.ClientStream.SendMsg(m)
	switch {
	case err == nil:
		s.rec.message(s.ctx, "SENT", m)
	case err != io.EOF:
		s.rec.finish(s.ctx, err)
	}
	return err
}

func (s *clientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		s.rec.finish(s.ctx, err)
		return err
	}
	s.rec.message(s.ctx, "RECEIVED", m)
	return nil
}

func (s *clientStream) Cancel() {
	s.rec.finish(s.ctx, context.Canceled)
	s.ClientStream.Cancel()
}

// ServerInterceptor returns a server interceptor with tracing and metrics.
func (i *Interceptor) ServerInterceptor() interceptor.ServerInterceptor {
	return func(ctx context.Context, stream interceptor.ServerStream, info *call.Call, handler interceptor.Handler) error {
		desc := info.Descriptor()
		peer := info.Peer()
		if peer == nil {
			peer = rpcctx.RemoteAddr(ctx)
		}
		host, port, hasPeer := rpcctx.HostPort(peer)

		var span trace.Span
		if i.cfg.EnableTracing && i.cfg.TraceRules.allows(host, desc, info.Metadata()) {
			ctx = i.propagator.Extract(ctx, mdCarrier{md: info.Metadata()})

			attrs := baseAttrs(desc)
			if hasPeer {
				attrs = append(attrs,
					attribute.String("net.peer.ip", host),
					attribute.Int("net.peer.port", port),
				)
			}
			ctx, span = i.tracer.Start(ctx, desc.Name(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
		}
		rec := i.newRecord(&i.server, desc, span, true)

		err := handler(ctx, &serverStream{ServerStream: stream, ctx: ctx, rec: rec})
		rec.finish(ctx, err)
		return err
	}
}

type serverStream struct {
	interceptor.ServerStream
	ctx context.Context
	rec *record
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func (s *serverStream) SendMsg(m any) error {
	if err := s.ServerStream.SendMsg(m); err != nil {
		return err
	}
	s.rec.message(s.ctx, "SENT", m)
	return nil
}

// RecvMsg records only the items the handler actually reads.
func (s *serverStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	s.rec.message(s.ctx, "RECEIVED", m)
	return nil
}

// NewServerInterceptor creates a server interceptor from a Config.
func NewServerInterceptor(ctx context.Context, cfg Config) (interceptor.ServerInterceptor, error) {
	i, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return i.ServerInterceptor(), nil
}

// NewClientInterceptor creates a client interceptor from a Config.
func NewClientInterceptor(ctx context.Context, cfg Config) (interceptor.ClientInterceptor, error) {
	i, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return i.ClientInterceptor(), nil
}
