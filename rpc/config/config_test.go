package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/bearlytools/tern/internal/logging"
	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/hedge"
	"github.com/bearlytools/tern/rpc/retry"
	"github.com/bearlytools/tern/rpc/serviceconfig"
	"github.com/bearlytools/tern/rpc/telemetry"
)

const fullYAML = `
log:
  level: debug
  format: json
telemetry:
  service_name: echo
  exporter: otlp
  endpoint: localhost:4317
  insecure: true
  sample_ratio: 0.25
server:
  address: ":9090"
  transport: http
  max_concurrent_calls: 100
  rate_limit:
    rate: 50
    burst: 10
    key: x-client-id
  reflection:
    allowed_cidrs: [10.0.0.0/8]
    token: s3cret
client:
  target: http://localhost:9090/rpc
  transport: http
  compressor: zstd
  metadata:
    x-client-id: echo-cli
  methods:
    "tern.echo.Echo/*":
      timeout: 1.5s
      retry:
        max_attempts: 3
        initial_backoff: 100ms
        max_backoff: 1s
        multiplier: 2
    "tern.echo.Echo/Say":
      hedge:
        max_hedged_requests: 1
        delay: 20ms
`

func TestParse(t *testing.T) {
	got, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("[TestParse]: got err == %v, want err == nil", err)
	}

	want := Config{
		Log: logging.Config{Level: "debug", Format: logging.JSON},
		Telemetry: telemetry.Config{
			ServiceName: "echo",
			Exporter:    telemetry.OTLP,
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRatio: 0.25,
		},
		Server: Server{
			Address:            ":9090",
			Transport:          HTTP,
			MaxConcurrentCalls: 100,
			RateLimit:          &RateLimit{Rate: 50, Burst: 10, Key: "x-client-id"},
			Reflection:         &Reflection{AllowedCIDRs: []string{"10.0.0.0/8"}, Token: "s3cret"},
		},
		Client: Client{
			Target:     "http://localhost:9090/rpc",
			Transport:  HTTP,
			Compressor: "zstd",
			Metadata:   map[string]string{"x-client-id": "echo-cli"},
			Methods: map[string]serviceconfig.MethodConfig{
				"tern.echo.Echo/*": {
					Timeout: 1500 * time.Millisecond,
					Retry: &retry.Policy{
						MaxAttempts:    3,
						InitialBackoff: 100 * time.Millisecond,
						MaxBackoff:     time.Second,
						Multiplier:     2,
					},
				},
				"tern.echo.Echo/Say": {
					Hedge: &hedge.Policy{MaxHedgedRequests: 1, HedgeDelay: 20 * time.Millisecond},
				},
			},
		},
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("[TestParse]: -want/+got:\n%s", diff)
	}

	sc := got.Client.ServiceConfig()
	if d := sc.Timeout(call.Descriptor{Service: "tern.echo.Echo", Method: "Chat"}); d != 1500*time.Millisecond {
		t.Errorf("[TestParse]: service config timeout = %v, want 1.5s", d)
	}
}

func TestParseDefaults(t *testing.T) {
	for _, doc := range []string{"", "# nothing here\n", "log:\n  level: warn\n"} {
		got, err := Parse([]byte(doc))
		if err != nil {
			t.Errorf("[TestParseDefaults](%q): got err == %v, want err == nil", doc, err)
			continue
		}
		if got.Server != Default().Server || got.Telemetry.Exporter != telemetry.None {
			t.Errorf("[TestParseDefaults](%q): defaults not kept: %+v", doc, got)
		}
	}
}

func TestParseBalancer(t *testing.T) {
	doc := "client:\n  target: dns:///echo.internal:8080\n  balancer:\n    picker: pick_first\n    health_check_interval: 10s\n"
	got, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("[TestParseBalancer]: got err == %v, want err == nil", err)
	}
	want := &Balancer{Picker: "pick_first", HealthCheckInterval: 10 * time.Second}
	if diff := pretty.Compare(want, got.Client.Balancer); diff != "" {
		t.Errorf("[TestParseBalancer]: -want/+got:\n%s", diff)
	}
	if got.Client.Transport != TCP {
		t.Errorf("[TestParseBalancer]: transport = %q, want tcp", got.Client.Transport)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "Error: unknown key", doc: "server:\n  adress: x\n"},
		{name: "Error: bad log level", doc: "log:\n  level: loud\n"},
		{name: "Error: bad exporter", doc: "telemetry:\n  exporter: zipkin\n"},
		{name: "Error: bad server transport", doc: "server:\n  transport: udp\n"},
		{name: "Error: bad client transport", doc: "client:\n  transport: quic\n"},
		{name: "Error: negative max calls", doc: "server:\n  max_concurrent_calls: -1\n"},
		{name: "Error: zero rate", doc: "server:\n  rate_limit:\n    rate: 0\n    burst: 1\n"},
		{name: "Error: bad reflection CIDR", doc: "server:\n  reflection:\n    allowed_cidrs: [10.0.0.0]\n"},
		{name: "Error: balancer over http", doc: "client:\n  transport: http\n  balancer:\n    picker: random\n"},
		{name: "Error: unknown picker", doc: "client:\n  balancer:\n    picker: fastest\n"},
		{name: "Error: unknown compressor", doc: "client:\n  compressor: brotli\n"},
		{name: "Error: bad pattern", doc: "client:\n  methods:\n    \"a/b/c\":\n      timeout: 1s\n"},
		{name: "Error: bad duration", doc: "client:\n  methods:\n    \"a/b\":\n      timeout: soon\n"},
		{name: "Error: retry and hedge", doc: "client:\n  methods:\n    \"a/*\":\n      retry:\n        max_attempts: 2\n        multiplier: 2\n      hedge:\n        max_hedged_requests: 1\n"},
		{name: "Error: negative hedge delay", doc: "client:\n  methods:\n    \"a/*\":\n      hedge:\n        delay: -1s\n"},
		{name: "Error: bad multiplier", doc: "client:\n  methods:\n    \"a/*\":\n      retry:\n        multiplier: 0.5\n"},
	}

	for _, test := range tests {
		if _, err := Parse([]byte(test.doc)); err == nil {
			t.Errorf("[TestParseErrors](%s): got err == nil, want err != nil", test.name)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tern.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("[TestLoad]: got err == %v, want err == nil", err)
	}
	if cfg.Telemetry.ServiceName != "echo" {
		t.Errorf("[TestLoad]: service name = %q, want echo", cfg.Telemetry.ServiceName)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("[TestLoad]: missing file got err == nil, want err != nil")
	}
}
