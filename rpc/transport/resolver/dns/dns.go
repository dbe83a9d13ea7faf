// Package dns resolves "dns" targets through A, AAAA and optionally SRV records.
//
// A target without an authority uses the system resolver:
//
//	dns:///echo.internal:8080
//
// A target with an authority asks that name server directly, over UDP with a TCP
// retry for truncated answers:
//
//	dns://10.0.0.2:53/echo.internal:8080
//
// Importing the package registers a builder with the default options. Register
// NewBuilder(opts...) to change them.
package dns

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gostdlib/base/context"
	mdns "github.com/miekg/dns"

	"github.com/bearlytools/tern/rpc/transport/resolver"
)

// Scheme is the target scheme this package handles.
const Scheme = "dns"

// DefaultPort is used for endpoints without a port.
const DefaultPort = "8080"

func init() {
	resolver.Register(NewBuilder())
}

type config struct {
	defaultPort    string
	srvService     string
	srvProto       string
	resolveTimeout time.Duration
}

// Option configures the resolvers a builder creates.
type Option func(*config)

// WithDefaultPort sets the port for endpoints without one. Default is DefaultPort.
func WithDefaultPort(port string) Option {
	return func(c *config) {
		c.defaultPort = port
	}
}

// WithSRV looks up _service._proto.<host> SRV records first and falls back to
// A and AAAA records when there are none.
func WithSRV(service, proto string) Option {
	return func(c *config) {
		c.srvService = service
		c.srvProto = proto
	}
}

// WithResolveTimeout bounds one Resolve. Default is 10 seconds.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *config) {
		c.resolveTimeout = d
	}
}

type builder struct {
	cfg config
}

// NewBuilder returns a "dns" builder whose resolvers use opts.
func NewBuilder(opts ...Option) resolver.Builder {
	b := &builder{cfg: config{defaultPort: DefaultPort, resolveTimeout: 10 * time.Second}}
	for _, o := range opts {
		o(&b.cfg)
	}
	return b
}

func (b *builder) Scheme() string { return Scheme }

func (b *builder) Build(target resolver.Target, opts resolver.BuildOptions) (resolver.Resolver, error) {
	host, port, err := net.SplitHostPort(target.Endpoint)
	if err != nil {
		host, port = target.Endpoint, b.cfg.defaultPort
	}
	if host == "" {
		return nil, fmt.Errorf("dns: no host in %q", target.Endpoint)
	}

	r := &dnsResolver{cfg: b.cfg, host: host, port: port, lookup: systemLookup{}}
	if target.Authority != "" {
		server := target.Authority
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.lookup = newServerLookup(server, opts.DialTimeout)
	}
	return r, nil
}

// lookup is the record source a resolver asks.
type lookup interface {
	host(ctx context.Context, host string) ([]net.IP, error)
	srv(ctx context.Context, service, proto, host string) ([]*net.SRV, error)
}

type dnsResolver struct {
	cfg    config
	host   string
	port   string
	lookup lookup
}

func (r *dnsResolver) Resolve(ctx context.Context) ([]resolver.Address, error) {
	if r.cfg.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.resolveTimeout)
		defer cancel()
	}

	if r.cfg.srvService != "" {
		if addrs, err := r.resolveSRV(ctx); err == nil && len(addrs) > 0 {
			return addrs, nil
		}
	}
	return r.resolveHost(ctx)
}

func (r *dnsResolver) resolveSRV(ctx context.Context) ([]resolver.Address, error) {
	records, err := r.lookup.srv(ctx, r.cfg.srvService, r.cfg.srvProto, r.host)
	if err != nil {
		return nil, err
	}
	addrs := make([]resolver.Address, 0, len(records))
	for _, rec := range records {
		addrs = append(addrs, resolver.Address{
			Addr:     net.JoinHostPort(strings.TrimSuffix(rec.Target, "."), strconv.Itoa(int(rec.Port))),
			Priority: uint32(rec.Priority),
			Weight:   uint32(rec.Weight),
		})
	}
	return addrs, nil
}

func (r *dnsResolver) resolveHost(ctx context.Context) ([]resolver.Address, error) {
	if ip := net.ParseIP(r.host); ip != nil {
		return []resolver.Address{{Addr: net.JoinHostPort(r.host, r.port)}}, nil
	}

	ips, err := r.lookup.host(ctx, r.host)
	if err != nil {
		return nil, fmt.Errorf("dns: lookup %s: %w", r.host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns: no addresses for %s", r.host)
	}
	addrs := make([]resolver.Address, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, resolver.Address{Addr: net.JoinHostPort(ip.String(), r.port)})
	}
	return addrs, nil
}

func (r *dnsResolver) Close() error { return nil }

// systemLookup uses the host's resolver configuration.
type systemLookup struct{}

func (systemLookup) host(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func (systemLookup) srv(ctx context.Context, service, proto, host string) ([]*net.SRV, error) {
	_, records, err := net.DefaultResolver.LookupSRV(ctx, service, proto, host)
	return records, err
}

// serverLookup queries one name server.
type serverLookup struct {
	server string
	udp    *mdns.Client
	tcp    *mdns.Client
}

func newServerLookup(server string, timeout time.Duration) *serverLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &serverLookup{
		server: server,
		udp:    &mdns.Client{Net: "udp", Timeout: timeout},
		tcp:    &mdns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (l *serverLookup) query(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, _, err := l.udp.ExchangeContext(ctx, m, l.server)
	if err == nil && resp.Truncated {
		resp, _, err = l.tcp.ExchangeContext(ctx, m, l.server)
	}
	if err != nil {
		return nil, err
	}
	if resp.Rcode != mdns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", mdns.TypeToString[qtype], name, mdns.RcodeToString[resp.Rcode])
	}
	return resp.Answer, nil
}

func (l *serverLookup) host(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answers, err := l.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range answers {
			switch rec := rr.(type) {
			case *mdns.A:
				ips = append(ips, rec.A)
			case *mdns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	return ips, nil
}

func (l *serverLookup) srv(ctx context.Context, service, proto, host string) ([]*net.SRV, error) {
	answers, err := l.query(ctx, "_"+service+"._"+proto+"."+host, mdns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var records []*net.SRV
	for _, rr := range answers {
		if rec, ok := rr.(*mdns.SRV); ok {
			records = append(records, &net.SRV{Target: rec.Target, Port: rec.Port, Priority: rec.Priority, Weight: rec.Weight})
		}
	}
	slices.SortStableFunc(records, func(a, b *net.SRV) int { return int(a.Priority) - int(b.Priority) })
	return records, nil
}
