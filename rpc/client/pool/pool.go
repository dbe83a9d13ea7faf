package pool

import (
	"fmt"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
	"github.com/bearlytools/tern/rpc/transport/resolver"
	// Bare targets resolve through passthrough.
	_ "github.com/bearlytools/tern/rpc/transport/resolver/passthrough"
)

const waitForReadyKey = "tern.pool.wait_for_ready"

// WaitForReady makes a call wait for a ready SubConn instead of failing with
// UNAVAILABLE when there is none. The call's deadline still applies.
func WaitForReady() client.CallOption {
	return client.WithOption(waitForReadyKey, true)
}

// Pool is a transport.Caller that balances calls over the addresses of a target.
// It is safe for concurrent use.
type Pool struct {
	target    string
	cfg       *config
	newCaller NewCallerFunc
	resolver  resolver.Resolver

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subConns map[string]*SubConn
	// order is the address order of the last resolve. Ready SubConns are offered
	// to the picker in this order.
	order []string
	ready []*SubConn
	// readyCh is closed and replaced whenever the ready set changes and is not
	// empty.
	readyCh chan struct{}
	closed  bool
}

// New resolves target, starts a SubConn per address and returns without waiting
// for any to become ready. ctx bounds the pool's background work.
func New(ctx context.Context, target string, newCaller NewCallerFunc, opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	r := cfg.resolver
	if r == nil {
		var err error
		if r, err = resolver.Build(target, resolver.BuildOptions{}); err != nil {
			return nil, err
		}
	}

	p := &Pool{
		target:    target,
		cfg:       cfg,
		newCaller: newCaller,
		resolver:  r,
		subConns:  map[string]*SubConn{},
		readyCh:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.ResolveNow(ctx); err != nil {
		p.Close()
		return nil, err
	}

	pool := context.Pool(p.ctx)
	if cfg.resolveInterval > 0 {
		pool.Submit(p.ctx, func() { p.every(cfg.resolveInterval, p.resolveLoop) })
	}
	if cfg.healthCheckInterval > 0 {
		pool.Submit(p.ctx, func() { p.every(cfg.healthCheckInterval, p.checkAllHealth) })
	}
	return p, nil
}

// every runs f each interval until the pool closes.
func (p *Pool) every(interval time.Duration, f func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			f(p.ctx)
		}
	}
}

func (p *Pool) resolveLoop(ctx context.Context) {
	if err := p.ResolveNow(ctx); err != nil {
		p.cfg.log.Warn("resolve failed, keeping current addresses", zap.String("target", p.target), zap.Error(err))
	}
}

// ResolveNow resolves the target and reconciles the SubConns with the result:
// SubConns for vanished addresses shut down and new addresses get a SubConn.
// On error the current SubConns are kept.
func (p *Pool) ResolveNow(ctx context.Context) error {
	addrs, err := p.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("pool: resolve %s: %w", p.target, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("pool: resolve %s: %w", p.target, resolver.ErrNoAddresses)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	keep := make(map[string]bool, len(addrs))
	order := make([]string, 0, len(addrs))
	var added, removed []*SubConn
	for _, a := range addrs {
		if keep[a.Addr] {
			continue
		}
		keep[a.Addr] = true
		order = append(order, a.Addr)
		if _, ok := p.subConns[a.Addr]; !ok {
			sc := newSubConn(a, p.newCaller, p.cfg, p.updateReady)
			p.subConns[a.Addr] = sc
			added = append(added, sc)
		}
	}
	for addr, sc := range p.subConns {
		if !keep[addr] {
			delete(p.subConns, addr)
			removed = append(removed, sc)
		}
	}
	p.order = order
	p.mu.Unlock()

	for _, sc := range removed {
		sc.shutdown()
	}
	for _, sc := range added {
		sc.Connect(p.ctx)
	}
	p.updateReady()
	return nil
}

// updateReady rebuilds the ready list and wakes calls waiting for one.
func (p *Pool) updateReady() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := make([]*SubConn, 0, len(p.order))
	for _, addr := range p.order {
		if sc := p.subConns[addr]; sc != nil && sc.IsReady() {
			ready = append(ready, sc)
		}
	}
	p.ready = ready
	if len(ready) > 0 {
		close(p.readyCh)
		p.readyCh = make(chan struct{})
	}
}

var errPoolClosed = errors.NewServerError(status.Unavailable, "pool: closed")

// pick returns a ready SubConn chosen by the picker. With wait it blocks until one
// is ready or ctx ends.
func (p *Pool) pick(ctx context.Context, wait bool) (*SubConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errPoolClosed
		}
		ready, readyCh := p.ready, p.readyCh
		p.mu.Unlock()

		if len(ready) > 0 {
			addrs := make([]resolver.Address, len(ready))
			for i, sc := range ready {
				addrs[i] = sc.addr
			}
			a, err := p.cfg.picker.Pick(addrs)
			if err != nil {
				return nil, errors.NewServerError(status.Unavailable, err.Error())
			}
			for _, sc := range ready {
				if sc.addr.Addr == a.Addr {
					return sc, nil
				}
			}
			return nil, errors.Errorf(status.Internal, "pool: picker returned unknown address %q", a.Addr)
		}

		if !wait {
			return nil, errors.Errorf(status.Unavailable, "pool: no ready address for %s", p.target)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, errPoolClosed
		case <-readyCh:
		}
	}
}

// NewCall implements transport.Caller. A call that cannot open because its address
// is unavailable takes that SubConn out of rotation until it probes healthy again.
func (p *Pool) NewCall(ctx context.Context, info *call.Call) (transport.ClientCall, error) {
	wait := false
	if v, ok := info.Option(waitForReadyKey); ok {
		wait, _ = v.(bool)
	}

	sc, err := p.pick(ctx, wait)
	if err != nil {
		return nil, err
	}
	caller := sc.getCaller()
	if caller == nil {
		return nil, errors.Errorf(status.Unavailable, "pool: %s has no caller", sc.addr.Addr)
	}

	cc, err := caller.NewCall(ctx, info)
	if err != nil && errors.Code(err) == status.Unavailable {
		sc.fail(p.ctx, err)
	}
	return cc, err
}

var _ transport.Caller = (*Pool)(nil)

// Close shuts down every SubConn and the resolver. Calls already open are not
// affected. It is safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subConns := p.subConns
	p.subConns = map[string]*SubConn{}
	p.ready = nil
	p.order = nil
	p.mu.Unlock()

	p.cancel()
	for _, sc := range subConns {
		sc.shutdown()
	}
	return p.resolver.Close()
}

// WaitReady blocks until at least one SubConn is ready or ctx ends.
func (p *Pool) WaitReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		closed, n, readyCh := p.closed, len(p.ready), p.readyCh
		p.mu.Unlock()
		switch {
		case closed:
			return errPoolClosed
		case n > 0:
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Errorf(status.Unavailable, "pool: no ready address for %s: %v", p.target, ctx.Err())
		case <-p.ctx.Done():
			return errPoolClosed
		case <-readyCh:
		}
	}
}

// ReadyCount is the number of SubConns taking calls.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// SubConns returns the SubConns in resolve order.
func (p *Pool) SubConns() []*SubConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*SubConn, 0, len(p.order))
	for _, addr := range p.order {
		out = append(out, p.subConns[addr])
	}
	return out
}
