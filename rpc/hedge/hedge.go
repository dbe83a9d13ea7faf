// Package hedge provides hedging (speculative retry) for unary calls. Hedging sends
// the same request again while earlier attempts are still in flight and uses
// whichever response arrives first, reducing tail latency.
//
// Hedging is disabled by default and is enabled by setting MaxHedgedRequests > 0.
// Streaming calls are never hedged.
package hedge

import (
	"io"
	"reflect"
	"slices"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

// Policy configures hedging behavior. Zero value means hedging is disabled.
type Policy struct {
	// MaxHedgedRequests is the maximum number of hedged requests (excluding original).
	// 0 means no hedging. 1 means 1 hedge (2 total requests).
	MaxHedgedRequests int `yaml:"max_hedged_requests"`

	// HedgeDelay is how long to wait before sending each hedge request.
	// Should be based on expected P50-P90 latency. Typical: 10-50ms.
	HedgeDelay time.Duration `yaml:"delay"`

	// NonFatalCodes are codes that don't immediately fail the hedge.
	// If nil, all codes except the always fatal ones are non-fatal.
	NonFatalCodes []status.Code `yaml:"-"`
}

// DefaultPolicy returns a sensible default hedging policy.
// 1 hedge (2 total requests), 50ms delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxHedgedRequests: 1,
		HedgeDelay:        50 * time.Millisecond,
	}
}

// fatalCodes fail a hedge at once, whatever NonFatalCodes says. Another attempt
// would get the same answer.
var fatalCodes = []status.Code{
	status.Canceled,
	status.DeadlineExceeded,
	status.InvalidArgument,
	status.NotFound,
	status.AlreadyExists,
	status.PermissionDenied,
	status.Unauthenticated,
	status.Unimplemented,
}

// isFatal returns true if err should fail the hedge without waiting for the
// other attempts.
func isFatal(err error, nonFatalCodes []status.Code) bool {
	if err == nil {
		return false
	}
	code := errors.Code(err)
	if slices.Contains(fatalCodes, code) {
		return true
	}
	if len(nonFatalCodes) > 0 {
		return !slices.Contains(nonFatalCodes, code)
	}
	return false
}

// ClientInterceptor returns a client interceptor that hedges unary calls according
// to policy.
//
// The original attempt starts when the response is first read. Another attempt is
// started after every HedgeDelay until MaxHedgedRequests hedges have been sent. The
// first successful response is returned and the other attempts are cancelled. If
// every attempt fails, the last error is returned.
func ClientInterceptor(policy Policy) interceptor.ClientInterceptor {
	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		if policy.MaxHedgedRequests <= 0 || info.Descriptor().Kind() != call.Unary {
			return streamer(ctx)
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.ToClientError(info.Path(), err)
		}
		hctx, cancel := context.WithCancel(ctx)
		return &hedgeStream{
			ctx:      ctx,
			hctx:     hctx,
			cancel:   cancel,
			policy:   policy,
			path:     info.Path(),
			streamer: streamer,
		}, nil
	}
}

type result struct {
	resp reflect.Value
	err  error
}

// hedgeStream holds the request until the response is read, then runs the
// attempts. The caller's goroutine drives it; only Cancel may be concurrent.
type hedgeStream struct {
	ctx      context.Context
	hctx     context.Context
	cancel   context.CancelFunc
	policy   Policy
	path     string
	streamer interceptor.Streamer

	req    any
	hasReq bool

	finished bool
	err      error
}

func (s *hedgeStream) Context() context.Context {
	return s.ctx
}

func (s *hedgeStream) SendMsg(m any) error {
	if s.hasReq {
		return errors.NewClientError(s.path, status.Internal, "more than one request")
	}
	s.req = m
	s.hasReq = true
	return nil
}

func (s *hedgeStream) CloseSend() error {
	return nil
}

func (s *hedgeStream) RecvMsg(m any) error {
	if s.finished {
		if s.err != nil {
			return s.err
		}
		return io.EOF
	}
	s.finished = true
	defer s.cancel()

	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		s.err = errors.NewClientError(s.path, status.Internal, "hedge: RecvMsg needs a non-nil pointer")
		return s.err
	}

	resp, err := s.run(rv.Type().Elem())
	if err != nil {
		s.err = err
		return err
	}
	rv.Elem().Set(resp.Elem())
	return nil
}

func (s *hedgeStream) Cancel() {
	s.cancel()
}

// run hedges the call and returns a pointer to the winning response.
func (s *hedgeStream) run(typ reflect.Type) (reflect.Value, error) {
	total := s.policy.MaxHedgedRequests + 1
	results := make(chan result, total)
	pool := context.Pool(s.ctx)

	// Attempts are opened here, one at a time, so inner interceptors never touch the
	// call's metadata concurrently.
	launch := func() {
		cs, err := s.streamer(s.hctx)
		if err != nil {
			results <- result{err: err}
			return
		}
		pool.Submit(s.ctx, func() { results <- s.attempt(cs, typ) })
	}

	launch()
	launched, received := 1, 0
	timer := time.NewTimer(s.policy.HedgeDelay)
	defer timer.Stop()

	var lastErr error
	for received < total {
		select {
		case <-s.ctx.Done():
			return reflect.Value{}, errors.ToClientError(s.path, s.ctx.Err())
		case <-timer.C:
			if launched < total {
				launched++
				launch()
				if launched < total {
					timer.Reset(s.policy.HedgeDelay)
				}
			}
		case r := <-results:
			received++
			if r.err == nil {
				return r.resp, nil
			}
			if isFatal(r.err, s.policy.NonFatalCodes) {
				return reflect.Value{}, r.err
			}
			lastErr = r.err
		}
	}
	return reflect.Value{}, lastErr
}

// attempt sends the request on cs and reads the single response and the terminal
// status.
func (s *hedgeStream) attempt(cs interceptor.ClientStream, typ reflect.Type) result {
	if s.hasReq {
		if err := cs.SendMsg(s.req); err != nil && err != io.EOF {
			cs.Cancel()
			return result{err: err}
		}
	}
	cs.CloseSend()

	resp := reflect.New(typ)
	switch err := cs.RecvMsg(resp.Interface()); {
	case err == io.EOF:
		return result{err: errors.NewClientError(s.path, status.Internal, "call ended without a response")}
	case err != nil:
		return result{err: err}
	}

	extra := reflect.New(typ)
	switch err := cs.RecvMsg(extra.Interface()); {
	case err == nil:
		cs.Cancel()
		return result{err: errors.NewClientError(s.path, status.Internal, "more than one response")}
	case err != io.EOF:
		return result{err: err}
	}
	return result{resp: resp}
}
