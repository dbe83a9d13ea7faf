package pool

import (
	"fmt"
	"io"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/health"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
	"github.com/bearlytools/tern/rpc/transport/resolver"
)

// NewCallerFunc creates the caller for one address, such as tcp.NewClient.
type NewCallerFunc func(addr string) (transport.Caller, error)

// ConnState is the state of a SubConn.
type ConnState uint8

const (
	// StateIdle has not tried to connect.
	StateIdle ConnState = iota
	// StateConnecting is probing the address, with backoff between attempts.
	StateConnecting
	// StateReady takes calls.
	StateReady
	// StateTransientFailure gave up connecting until Connect is called again.
	StateTransientFailure
	// StateShutdown is permanent.
	StateShutdown
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateShutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

// ErrSubConnShutdown is returned when a SubConn is used after shutdown.
var ErrSubConnShutdown = errors.New("pool: subconn is shut down")

// SubConn is the pool's view of one address.
type SubConn struct {
	addr      resolver.Address
	newCaller NewCallerFunc
	cfg       *config
	// onChange is called, without locks held, after the SubConn enters or leaves
	// StateReady.
	onChange func()

	mu      sync.Mutex
	caller  transport.Caller
	conn    *client.Conn
	state   ConnState
	health  health.ServingStatus
	lastErr error
	closed  chan struct{}
}

func newSubConn(addr resolver.Address, newCaller NewCallerFunc, cfg *config, onChange func()) *SubConn {
	if onChange == nil {
		onChange = func() {}
	}
	return &SubConn{
		addr:      addr,
		newCaller: newCaller,
		cfg:       cfg,
		onChange:  onChange,
		health:    health.Unknown,
		closed:    make(chan struct{}),
	}
}

// Addr is the address this SubConn serves.
func (sc *SubConn) Addr() resolver.Address {
	return sc.addr
}

func (sc *SubConn) State() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// HealthStatus is the result of the last probe.
func (sc *SubConn) HealthStatus() health.ServingStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.health
}

// IsReady reports whether calls may be sent here.
func (sc *SubConn) IsReady() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateReady && sc.health == health.Serving
}

// LastError is the error that last took the SubConn out of StateReady.
func (sc *SubConn) LastError() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastErr
}

func (sc *SubConn) getCaller() transport.Caller {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.caller
}

// Connect starts bringing the SubConn up in the background. It does nothing unless
// the SubConn is idle or failed.
func (sc *SubConn) Connect(ctx context.Context) {
	sc.mu.Lock()
	if sc.state != StateIdle && sc.state != StateTransientFailure {
		sc.mu.Unlock()
		return
	}
	sc.state = StateConnecting
	sc.mu.Unlock()

	context.Pool(ctx).Submit(ctx, func() { sc.connectWithRetry(ctx) })
}

// connectWithRetry probes until the address serves, the SubConn shuts down or ctx
// ends.
func (sc *SubConn) connectWithRetry(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.Pool(ctx).Submit(ctx, func() {
		select {
		case <-sc.closed:
			cancel()
		case <-ctx.Done():
		}
	})

	attempts := 0
	backoff, err := exponential.New(exponential.WithPolicy(sc.cfg.connectPolicy))
	if err == nil {
		err = backoff.Retry(ctx, func(ctx context.Context, r exponential.Record) error {
			attempts++
			err := sc.tryConnect(ctx)
			if err == ErrSubConnShutdown {
				return exponential.ErrRetryCanceled
			}
			if err != nil {
				sc.mu.Lock()
				sc.lastErr = err
				sc.mu.Unlock()
				sc.cfg.log.Debug("subconn not ready", zap.String("addr", sc.addr.Addr), zap.Int("attempt", attempts), zap.Error(err))
			}
			return err
		})
	}
	if err == nil {
		return
	}

	sc.mu.Lock()
	if sc.state != StateShutdown && sc.state != StateReady {
		sc.state = StateTransientFailure
	}
	sc.mu.Unlock()
}

// tryConnect makes one attempt: create the caller if needed, then probe.
func (sc *SubConn) tryConnect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return ErrSubConnShutdown
	}
	conn := sc.conn
	sc.mu.Unlock()

	if conn == nil {
		caller, err := sc.newCaller(sc.addr.Addr)
		if err != nil {
			return err
		}
		conn = client.New(caller)
		sc.mu.Lock()
		sc.caller, sc.conn = caller, conn
		sc.mu.Unlock()
	}

	st := health.Serving
	if sc.cfg.healthCheckInterval > 0 {
		var err error
		if st, err = sc.probe(ctx, conn); err != nil {
			return err
		}
		if st != health.Serving {
			return fmt.Errorf("pool: %s is %s", sc.addr.Addr, st)
		}
	}

	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return ErrSubConnShutdown
	}
	sc.state = StateReady
	sc.health = st
	sc.lastErr = nil
	sc.mu.Unlock()

	sc.cfg.log.Debug("subconn ready", zap.String("addr", sc.addr.Addr))
	sc.onChange()
	return nil
}

// probe asks the address's health service. A server without one counts as serving
// once it answers.
func (sc *SubConn) probe(ctx context.Context, conn *client.Conn) (health.ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, sc.cfg.healthCheckTimeout)
	defer cancel()

	st, err := health.Check(ctx, conn, sc.cfg.healthService)
	if errors.Code(err) == status.Unimplemented {
		return health.Serving, nil
	}
	return st, err
}

// CheckHealth probes a ready SubConn and records the result. A SubConn that is not
// ready reports its last known status.
func (sc *SubConn) CheckHealth(ctx context.Context) (health.ServingStatus, error) {
	sc.mu.Lock()
	conn, state, last := sc.conn, sc.state, sc.health
	sc.mu.Unlock()
	if state != StateReady {
		return last, nil
	}

	st, err := sc.probe(ctx, conn)
	if err != nil {
		st = health.NotServing
	}
	sc.mu.Lock()
	sc.health = st
	sc.mu.Unlock()
	return st, err
}

// fail takes a ready SubConn out of rotation and reconnects it.
func (sc *SubConn) fail(ctx context.Context, err error) {
	sc.mu.Lock()
	if sc.state != StateReady {
		sc.mu.Unlock()
		return
	}
	sc.state = StateConnecting
	sc.health = health.Unknown
	sc.lastErr = err
	sc.mu.Unlock()

	sc.cfg.log.Warn("subconn failed", zap.String("addr", sc.addr.Addr), zap.Error(err))
	sc.onChange()
	context.Pool(ctx).Submit(ctx, func() { sc.connectWithRetry(ctx) })
}

// shutdown stops the SubConn for good and closes its caller if it can be closed.
func (sc *SubConn) shutdown() {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = StateShutdown
	caller := sc.caller
	close(sc.closed)
	sc.mu.Unlock()

	if c, ok := caller.(io.Closer); ok {
		c.Close()
	}
}
