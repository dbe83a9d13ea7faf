package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bearlytools/tern/rpc/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "Success: default", cfg: DefaultConfig()},
		{name: "Success: stdout", cfg: Config{Exporter: Stdout, SampleRatio: 0.5}},
		{name: "Success: otlp", cfg: Config{Exporter: OTLP, Endpoint: "localhost:4317"}},
		{name: "Error: otlp without endpoint", cfg: Config{Exporter: OTLP}, wantErr: true},
		{name: "Error: unknown exporter", cfg: Config{Exporter: "zipkin"}, wantErr: true},
		{name: "Error: ratio too large", cfg: Config{Exporter: None, SampleRatio: 1.5}, wantErr: true},
		{name: "Error: negative ratio", cfg: Config{Exporter: None, SampleRatio: -0.1}, wantErr: true},
	}

	for _, test := range tests {
		err := test.cfg.Validate()
		switch {
		case err == nil && test.wantErr:
			t.Errorf("[TestValidate](%s): got err == nil, want err != nil", test.name)
		case err != nil && !test.wantErr:
			t.Errorf("[TestValidate](%s): got err == %v, want err == nil", test.name, err)
		}
	}
}

func TestInitStdout(t *testing.T) {
	var buf bytes.Buffer
	reader := sdkmetric.NewManualReader()

	cfg := DefaultConfig()
	cfg.ServiceName = "telemetry-test"
	cfg.Exporter = Stdout
	cfg.Writer = &buf
	cfg.MetricReader = reader

	p, err := Init(t.Context(), cfg)
	if err != nil {
		t.Fatalf("[TestInitStdout]: Init: %v", err)
	}

	if _, err := Init(t.Context(), cfg); !errors.Is(err, ErrInitialized) {
		t.Errorf("[TestInitStdout]: second Init got err == %v, want ErrInitialized", err)
	}

	_, span := otel.Tracer("test").Start(t.Context(), "test.Service/Method")
	span.End()

	counter, err := otel.Meter("test").Int64Counter("test.calls")
	if err != nil {
		t.Fatalf("[TestInitStdout]: counter: %v", err)
	}
	counter.Add(t.Context(), 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("[TestInitStdout]: Collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 {
		t.Errorf("[TestInitStdout]: got %d scope metrics, want 1", len(rm.ScopeMetrics))
	}

	if err := p.Shutdown(t.Context()); err != nil {
		t.Fatalf("[TestInitStdout]: Shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"test.Service/Method", "telemetry-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("[TestInitStdout]: exporter output missing %q", want)
		}
	}

	// Shutdown allows a new Init.
	p, err = Init(t.Context(), DefaultConfig())
	if err != nil {
		t.Fatalf("[TestInitStdout]: Init after Shutdown: %v", err)
	}
	if p.TracerProvider() == nil {
		t.Errorf("[TestInitStdout]: TracerProvider() is nil")
	}
	p.Shutdown(t.Context())
}
