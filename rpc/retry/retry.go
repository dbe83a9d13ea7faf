// Package retry provides retry policies and a client interceptor for RPC calls.
//
// A call is only retried while it can be replayed: the request side must not be
// streamed, and no response item may have reached the caller yet. Failures to open
// the call are always eligible.
package retry

import (
	"io"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	"github.com/bearlytools/tern/rpc/status"
)

// Policy configures retry behavior for RPC calls.
type Policy struct {
	// MaxAttempts is the maximum number of retries after the first attempt.
	// 0 means no retry (single attempt), 1 means retry once (2 total attempts).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the initial wait time before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff is the maximum wait time between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Multiplier is the factor by which the backoff increases after each retry.
	Multiplier float64 `yaml:"multiplier"`

	// Retryable is an optional function to determine if an error is retryable.
	// If nil, IsRetryable is used.
	Retryable func(err error) bool `yaml:"-"`
}

// DefaultPolicy returns a sensible default retry policy.
// 3 retries, 100ms initial backoff, 5s max backoff, 2x multiplier.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

func (p Policy) next(backoff time.Duration) time.Duration {
	backoff = time.Duration(float64(backoff) * p.Multiplier)
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// ClientInterceptor returns a client interceptor that retries failed calls according
// to policy. Calls with a streamed request side pass through untouched.
func ClientInterceptor(policy Policy) interceptor.ClientInterceptor {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	return func(ctx context.Context, info *call.Call, streamer interceptor.Streamer) (interceptor.ClientStream, error) {
		if policy.MaxAttempts <= 0 || info.Descriptor().RequestStream {
			return streamer(ctx)
		}

		r := &retryStream{
			ctx:       ctx,
			policy:    policy,
			retryable: retryable,
			streamer:  streamer,
			backoff:   policy.InitialBackoff,
		}
		for {
			cs, err := streamer(ctx)
			if err == nil {
				r.cur = cs
				return r, nil
			}
			if !r.retry(err) {
				return nil, err
			}
		}
	}
}

// retryStream replays the single request of a call on a new attempt when the
// current attempt fails before delivering a response.
type retryStream struct {
	ctx       context.Context
	policy    Policy
	retryable func(error) bool
	streamer  interceptor.Streamer

	cur      interceptor.ClientStream
	attempt  int
	backoff  time.Duration
	sent     []any
	closed   bool
	received bool
}

func (r *retryStream) Context() context.Context {
	return r.cur.Context()
}

func (r *retryStream) SendMsg(m any) error {
	r.sent = append(r.sent, m)
	return r.cur.SendMsg(m)
}

func (r *retryStream) CloseSend() error {
	r.closed = true
	return r.cur.CloseSend()
}

func (r *retryStream) Cancel() {
	r.cur.Cancel()
}

func (r *retryStream) RecvMsg(m any) error {
	for {
		err := r.cur.RecvMsg(m)
		switch {
		case err == nil:
			r.received = true
			return nil
		case err == io.EOF, r.received:
			return err
		}
		if !r.retry(err) {
			return err
		}
		if rerr := r.reopen(); rerr != nil {
			return rerr
		}
	}
}

// reopen starts a new attempt and replays what the caller already sent.
func (r *retryStream) reopen() error {
	for {
		cs, err := r.streamer(r.ctx)
		if err != nil {
			if r.retry(err) {
				continue
			}
			return err
		}
		r.cur = cs
		break
	}
	for _, m := range r.sent {
		if err := r.cur.SendMsg(m); err != nil {
			// The attempt's status is reported by RecvMsg.
			return nil
		}
	}
	// A request side that isn't streamed is complete after its one item.
	if r.closed || len(r.sent) > 0 {
		r.cur.CloseSend()
	}
	return nil
}

// retry reports whether another attempt should follow err and waits out the backoff.
func (r *retryStream) retry(err error) bool {
	if r.attempt >= r.policy.MaxAttempts || !r.retryable(err) {
		return false
	}
	r.attempt++

	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
	}
	r.backoff = r.policy.next(r.backoff)
	return true
}

// IsRetryable reports whether err ended a call with a status worth another attempt:
// INTERNAL, UNAVAILABLE, RESOURCE_EXHAUSTED or ABORTED.
func IsRetryable(err error) bool {
	if err == nil || err == io.EOF {
		return false
	}

	switch errors.Code(err) {
	case status.Internal, status.Unavailable, status.ResourceExhausted, status.Aborted:
		return true
	}
	return false
}
