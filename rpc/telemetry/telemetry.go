// Package telemetry installs the process-wide OpenTelemetry providers used by the
// tracing and metrics interceptors when they aren't given providers of their own.
package telemetry

import (
	"fmt"
	"io"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bearlytools/tern/rpc/errors"
)

// ErrInitialized is returned by Init when a Provider is already installed.
var ErrInitialized = errors.New("telemetry: already initialized")

// Exporter names where finished spans go.
type Exporter string

const (
	// None keeps spans in process. Trace context still propagates.
	None Exporter = "none"
	// Stdout writes spans as JSON.
	Stdout Exporter = "stdout"
	// OTLP sends spans to a collector over gRPC.
	OTLP Exporter = "otlp"
)

// Config configures Init.
type Config struct {
	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
	// Exporter selects the span exporter.
	Exporter Exporter `yaml:"exporter"`
	// Endpoint is the collector address for OTLP, host:port.
	Endpoint string `yaml:"endpoint"`
	// Insecure disables TLS to the OTLP collector.
	Insecure bool `yaml:"insecure"`
	// SampleRatio is the fraction of root spans sampled, 0 to 1.
	SampleRatio float64 `yaml:"sample_ratio"`

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer `yaml:"-"`
	// MetricReader, if set, gets a global MeterProvider reading from it.
	MetricReader sdkmetric.Reader `yaml:"-"`
}

// DefaultConfig returns a config that samples everything and exports nowhere.
func DefaultConfig() Config {
	return Config{
		ServiceName: "tern",
		Exporter:    None,
		SampleRatio: 1,
	}
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	switch c.Exporter {
	case None, Stdout:
	case OTLP:
		if c.Endpoint == "" {
			return errors.New("telemetry: otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("telemetry: unknown exporter %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio %v is outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// Provider owns the installed providers.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

var (
	mu        sync.Mutex
	installed *Provider
)

// Init builds a tracer provider from cfg and installs it globally with a W3C trace
// context and baggage propagator. Calling Init again before Shutdown returns
// ErrInitialized.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if installed != nil {
		return nil, ErrInitialized
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName))
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	p := &Provider{tp: sdktrace.NewTracerProvider(opts...)}
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.MetricReader != nil {
		p.mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(cfg.MetricReader))
		otel.SetMeterProvider(p.mp)
	}

	installed = p
	return p, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case Stdout:
		opts := []stdouttrace.Option{}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		return exp, nil
	case OTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		return exp, nil
	}
	return nil, nil
}

// TracerProvider returns the installed tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and uninstalls p so Init can run again.
func (p *Provider) Shutdown(ctx context.Context) error {
	mu.Lock()
	if installed == p {
		installed = nil
	}
	mu.Unlock()

	err := p.tp.Shutdown(ctx)
	if p.mp != nil {
		err = errors.Join(err, p.mp.Shutdown(ctx))
	}
	return err
}
