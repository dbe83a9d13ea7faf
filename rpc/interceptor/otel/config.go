// Package otel provides OpenTelemetry tracing and metrics interceptors for RPC servers and clients.
package otel

import (
	"net"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/metadata"
)

// MessageEvents selects which transmitted items get a "message" span event.
type MessageEvents uint8

const (
	// StreamedMessages records events only for the streaming directions of a call: a
	// client-streaming call records its requests but not its single response.
	StreamedMessages MessageEvents = iota
	// AllMessages records an event for every item in both directions.
	AllMessages
)

// Config configures the OpenTelemetry interceptors.
type Config struct {
	// EnableTracing enables distributed tracing. Default is true.
	EnableTracing bool

	// EnableMetrics enables metrics collection. Default is true.
	EnableMetrics bool

	// TracerProvider creates the spans. If nil, uses the global provider.
	TracerProvider trace.TracerProvider

	// MeterProvider for metrics. If nil, uses context.Meter().
	MeterProvider metric.MeterProvider

	// Propagator carries the span context in call metadata. If nil, uses the global
	// propagator.
	Propagator propagation.TextMapPropagator

	// RecordMessageSize records request/response sizes in metrics. Default is true.
	RecordMessageSize bool

	// MessageEvents selects which items are recorded as span events. Default is
	// StreamedMessages.
	MessageEvents MessageEvents

	// TraceRules, when set, restricts tracing to calls matching at least one rule.
	// Metrics are recorded for every call.
	TraceRules *TraceRules
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		EnableTracing:     true,
		EnableMetrics:     true,
		RecordMessageSize: true,
	}
}

// TraceRules defines which calls are traced.
type TraceRules struct {
	// IPRanges are CIDR blocks of callers to trace. Only server spans have a peer.
	// Example: ["10.0.0.0/8", "192.168.1.0/24"]
	IPRanges []string

	// Metadata specifies key/value pairs that trigger tracing.
	// Use "*" as value to match any value for that key.
	Metadata map[string]string

	// Methods are methods to trace.
	// Format: "service/method", "service/*" or just "method".
	Methods []string

	// Parsed CIDR networks (populated by compile)
	cidrs []*net.IPNet
}

// compile parses the CIDR strings into net.IPNet for efficient matching.
func (r *TraceRules) compile() error {
	if r == nil {
		return nil
	}

	r.cidrs = make([]*net.IPNet, 0, len(r.IPRanges))
	for _, cidr := range r.IPRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return err
		}
		r.cidrs = append(r.cidrs, network)
	}
	return nil
}

// matchesIP checks if the given IP address matches any of the configured CIDR ranges.
func (r *TraceRules) matchesIP(ipStr string) bool {
	if r == nil || len(r.cidrs) == 0 {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, cidr := range r.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// matchesMetadata checks if any of the call metadata matches the configured rules.
func (r *TraceRules) matchesMetadata(md *metadata.MD) bool {
	if r == nil || len(r.Metadata) == 0 {
		return false
	}

	for key, want := range r.Metadata {
		values := md.Values(key)
		if len(values) == 0 {
			continue
		}
		if want == "*" {
			return true
		}
		for _, v := range values {
			if v == want {
				return true
			}
		}
	}
	return false
}

// matchesMethod checks if desc matches any of the configured methods.
func (r *TraceRules) matchesMethod(desc call.Descriptor) bool {
	if r == nil || len(r.Methods) == 0 {
		return false
	}

	name := desc.Name()
	for _, method := range r.Methods {
		switch {
		case method == name, method == desc.Method:
			return true
		case strings.HasSuffix(method, "/*") && strings.TrimSuffix(method, "/*") == desc.Service:
			return true
		}
	}
	return false
}

// ShouldTrace returns true if any trace rule matches the call.
func (r *TraceRules) ShouldTrace(ip string, desc call.Descriptor, md *metadata.MD) bool {
	if r == nil {
		return false
	}

	return r.matchesIP(ip) || r.matchesMethod(desc) || r.matchesMetadata(md)
}

// allows reports if a call may be traced: always without rules, otherwise when a
// rule matches.
func (r *TraceRules) allows(ip string, desc call.Descriptor, md *metadata.MD) bool {
	if r == nil {
		return true
	}
	return r.ShouldTrace(ip, desc, md)
}

// mdCarrier adapts call metadata to propagation.TextMapCarrier.
type mdCarrier struct {
	md *metadata.MD
}

func (c mdCarrier) Get(key string) string {
	return c.md.Get(key)
}

func (c mdCarrier) Set(key, value string) {
	c.md.Set(key, value)
}

func (c mdCarrier) Keys() []string {
	return c.md.Keys()
}

var _ propagation.TextMapCarrier = mdCarrier{}
