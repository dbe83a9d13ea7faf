// Package config loads the YAML process configuration shared by tern binaries.
//
// A file looks like:
//
//	log:
//	  level: info
//	  format: json
//	telemetry:
//	  service_name: echo
//	  exporter: otlp
//	  endpoint: localhost:4317
//	  insecure: true
//	  sample_ratio: 0.25
//	server:
//	  address: :8080
//	  transport: tcp
//	  max_concurrent_calls: 100
//	  rate_limit:
//	    rate: 50
//	    burst: 10
//	    key: x-client-id
//	  reflection:
//	    allowed_cidrs: [127.0.0.0/8, 10.0.0.0/8]
//	    token: s3cret
//	client:
//	  target: dns:///echo.internal:8080
//	  transport: tcp
//	  balancer:
//	    picker: round_robin
//	    health_check_interval: 10s
//	    resolve_interval: 1m
//	  compressor: zstd
//	  metadata:
//	    x-client-id: echo-cli
//	  methods:
//	    "tern.echo.Echo/*":
//	      timeout: 1.5s
//	      retry:
//	        max_attempts: 3
//	        initial_backoff: 100ms
//	        max_backoff: 1s
//	        multiplier: 2
//	    "tern.echo.Echo/Say":
//	      hedge:
//	        max_hedged_requests: 1
//	        delay: 20ms
//
// The configuration is read once at startup and not changed afterwards.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bearlytools/tern/internal/logging"
	"github.com/bearlytools/tern/rpc/compress"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/serviceconfig"
	"github.com/bearlytools/tern/rpc/telemetry"
	"github.com/bearlytools/tern/rpc/transport/resolver"
)

// Transport names a carrier.
type Transport string

const (
	TCP       Transport = "tcp"
	HTTP      Transport = "http"
	WebSocket Transport = "websocket"
	// Unix addresses are socket file paths.
	Unix Transport = "unix"
)

func (t Transport) valid() bool {
	switch t {
	case TCP, HTTP, WebSocket, Unix:
		return true
	}
	return false
}

// Config is the root of a configuration file.
type Config struct {
	Log       logging.Config   `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    Server           `yaml:"server"`
	Client    Client           `yaml:"client"`
}

// Server configures the serving side.
type Server struct {
	// Address is the listen address, host:port.
	Address   string    `yaml:"address"`
	Transport Transport `yaml:"transport"`
	// MaxConcurrentCalls bounds the handler pool. 0 means unbounded.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// RateLimit, if set, limits calls per key.
	RateLimit *RateLimit `yaml:"rate_limit"`
	// Reflection, if set, serves the reflection service.
	Reflection *Reflection `yaml:"reflection"`
}

// Reflection restricts who may list the server's methods.
type Reflection struct {
	// AllowedCIDRs limits callers by address. Empty allows all.
	AllowedCIDRs []string `yaml:"allowed_cidrs"`
	// Token, if set, must arrive as "authorization: Bearer <token>".
	Token string `yaml:"token"`
}

// RateLimit configures the server rate limiter.
type RateLimit struct {
	// Rate is calls per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// Key is the metadata key calls are bucketed by. Empty buckets by method.
	Key string `yaml:"key"`
}

// Client configures the calling side.
type Client struct {
	// Target is host:port for tcp, or a URL for http and websocket. With a
	// balancer it is a resolver target such as "dns:///echo.internal:8080".
	Target    string    `yaml:"target"`
	Transport Transport `yaml:"transport"`
	// Balancer, if set, spreads calls over every address the target resolves to.
	// It needs the tcp or unix transport.
	Balancer *Balancer `yaml:"balancer"`
	// Compressor names the bridge compressor. Empty sends uncompressed frames.
	Compressor string `yaml:"compressor"`
	// Metadata is sent with every call.
	Metadata map[string]string `yaml:"metadata"`
	// Methods holds per-method settings keyed by pattern, see serviceconfig.
	Methods map[string]serviceconfig.MethodConfig `yaml:"methods"`
}

// Balancer configures client side load balancing.
type Balancer struct {
	// Picker is round_robin, pick_first, priority, weighted or random.
	Picker string `yaml:"picker"`
	// HealthCheckInterval is how often backends are probed. 0 disables probing.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// ResolveInterval is how often the target is resolved again. 0 resolves once.
	ResolveInterval time.Duration `yaml:"resolve_interval"`
}

// ServiceConfig returns the per-method settings as a serviceconfig.Config.
func (c Client) ServiceConfig() *serviceconfig.Config {
	sc := serviceconfig.New()
	for pattern, mc := range c.Methods {
		sc.SetMethodConfig(pattern, mc)
	}
	return sc
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Log:       logging.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Server:    Server{Address: "localhost:8080", Transport: TCP},
		Client:    Client{Target: "localhost:8080", Transport: TCP},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse decodes b over Default and validates the result. Unknown keys are errors.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and leaves the defaults.
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and returns all problems found.
func (c Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	if !c.Server.Transport.valid() {
		errs = append(errs, fmt.Errorf("config: server: unknown transport %q", c.Server.Transport))
	}
	if c.Server.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("config: server: max_concurrent_calls must not be negative"))
	}
	if rl := c.Server.RateLimit; rl != nil && (rl.Rate <= 0 || rl.Burst <= 0) {
		errs = append(errs, fmt.Errorf("config: server: rate_limit needs a positive rate and burst"))
	}
	if r := c.Server.Reflection; r != nil {
		for _, cidr := range r.AllowedCIDRs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				errs = append(errs, fmt.Errorf("config: server: reflection: bad CIDR %q", cidr))
			}
		}
	}

	if !c.Client.Transport.valid() {
		errs = append(errs, fmt.Errorf("config: client: unknown transport %q", c.Client.Transport))
	}
	if b := c.Client.Balancer; b != nil {
		if c.Client.Transport != TCP && c.Client.Transport != Unix {
			errs = append(errs, fmt.Errorf("config: client: balancer needs the tcp or unix transport, not %q", c.Client.Transport))
		}
		if _, err := resolver.NewPicker(b.Picker); err != nil {
			errs = append(errs, fmt.Errorf("config: client: balancer: %w", err))
		}
		if b.HealthCheckInterval < 0 || b.ResolveInterval < 0 {
			errs = append(errs, fmt.Errorf("config: client: balancer: negative interval"))
		}
	}
	if name := c.Client.Compressor; name != compress.None && compress.Get(name) == nil {
		errs = append(errs, fmt.Errorf("config: client: compressor %q is not registered", name))
	}
	for pattern, mc := range c.Client.Methods {
		if _, _, ok := serviceconfig.ParsePattern(pattern); !ok {
			errs = append(errs, fmt.Errorf("config: client: bad method pattern %q", pattern))
		}
		if mc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("config: client: %s: negative timeout", pattern))
		}
		if r := mc.Retry; r != nil && (r.MaxAttempts < 0 || r.Multiplier < 1) {
			errs = append(errs, fmt.Errorf("config: client: %s: retry needs max_attempts >= 0 and multiplier >= 1", pattern))
		}
		if h := mc.Hedge; h != nil {
			switch {
			case mc.Retry != nil:
				errs = append(errs, fmt.Errorf("config: client: %s: retry and hedge are exclusive", pattern))
			case h.MaxHedgedRequests < 0 || h.HedgeDelay < 0:
				errs = append(errs, fmt.Errorf("config: client: %s: hedge needs max_hedged_requests >= 0 and delay >= 0", pattern))
			}
		}
	}
	return errors.Join(errs...)
}
