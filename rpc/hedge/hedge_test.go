package hedge

import (
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/kylelemons/godebug/pretty"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport/inproc"
)

var (
	unaryDesc  = call.Descriptor{Service: "test.Hedge", Method: "Get"}
	streamDesc = call.Descriptor{Service: "test.Hedge", Method: "List", ResponseStream: true}
)

// backend serves unaryDesc with behave, which gets the 1-based attempt number.
type backend struct {
	calls atomic.Int32
	conn  *client.Conn
}

func newBackend(policy Policy, behave func(ctx context.Context, n int32, req string) (string, error)) *backend {
	b := &backend{}
	srv := server.New()
	srv.MustRegister(unaryDesc, server.Unary[string, string](func(ctx context.Context, req string) (string, error) {
		return behave(ctx, b.calls.Add(1), req)
	}))
	srv.MustRegister(streamDesc, server.ServerStream[string, string](func(ctx context.Context, req string, out *server.Sender[string]) error {
		b.calls.Add(1)
		return out.Send(req)
	}))
	b.conn = client.New(inproc.New(srv), client.WithInterceptors(ClientInterceptor(policy)))
	return b
}

func TestDefaultPolicy(t *testing.T) {
	want := Policy{MaxHedgedRequests: 1, HedgeDelay: 50 * time.Millisecond}
	if diff := pretty.Compare(want, DefaultPolicy()); diff != "" {
		t.Errorf("[TestDefaultPolicy]: -want/+got:\n%s", diff)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		nonFatal []status.Code
		want     bool
	}{
		{name: "Success: nil", err: nil, want: false},
		{name: "Success: unavailable is not fatal", err: errors.NewServerError(status.Unavailable, "x"), want: false},
		{name: "Success: internal is not fatal", err: errors.NewClientError("/a/b", status.Internal, "x"), want: false},
		{name: "Success: not found is fatal", err: errors.NewServerError(status.NotFound, "x"), want: true},
		{name: "Success: canceled is fatal", err: context.Canceled, want: true},
		{name: "Success: deadline is fatal", err: context.DeadlineExceeded, want: true},
		{
			name:     "Success: listed code is not fatal",
			err:      errors.NewServerError(status.Unavailable, "x"),
			nonFatal: []status.Code{status.Unavailable},
			want:     false,
		},
		{
			name:     "Success: unlisted code is fatal",
			err:      errors.NewServerError(status.ResourceExhausted, "x"),
			nonFatal: []status.Code{status.Unavailable},
			want:     true,
		},
		{
			name:     "Success: always fatal code ignores the list",
			err:      errors.NewServerError(status.InvalidArgument, "x"),
			nonFatal: []status.Code{status.InvalidArgument},
			want:     true,
		},
	}

	for _, test := range tests {
		if got := isFatal(test.err, test.nonFatal); got != test.want {
			t.Errorf("[TestIsFatal](%s): got %v, want %v", test.name, got, test.want)
		}
	}
}

func TestClientInterceptor(t *testing.T) {
	unavailable := errors.NewServerError(status.Unavailable, "down")

	tests := []struct {
		name      string
		policy    Policy
		behave    func(ctx context.Context, n int32, req string) (string, error)
		want      string
		wantCode  status.Code
		wantCalls int32
	}{
		{
			name:   "Success: disabled policy makes one call",
			policy: Policy{},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				return "", unavailable
			},
			wantCode:  status.Unavailable,
			wantCalls: 1,
		},
		{
			name:   "Success: fast original needs no hedge",
			policy: Policy{MaxHedgedRequests: 2, HedgeDelay: time.Second},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				return req, nil
			},
			want:      "ping",
			wantCalls: 1,
		},
		{
			name:   "Success: hedge wins over a slow original",
			policy: Policy{MaxHedgedRequests: 1, HedgeDelay: 20 * time.Millisecond},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				if n == 1 {
					<-ctx.Done()
					return "", ctx.Err()
				}
				return "hedge", nil
			},
			want:      "hedge",
			wantCalls: 2,
		},
		{
			name:   "Error: all attempts fail",
			policy: Policy{MaxHedgedRequests: 2, HedgeDelay: 10 * time.Millisecond},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				return "", unavailable
			},
			wantCode:  status.Unavailable,
			wantCalls: 3,
		},
		{
			name:   "Error: fatal error stops the hedge",
			policy: Policy{MaxHedgedRequests: 2, HedgeDelay: time.Second},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				return "", errors.NewServerError(status.NotFound, "gone")
			},
			wantCode:  status.NotFound,
			wantCalls: 1,
		},
		{
			name: "Error: code outside NonFatalCodes is fatal",
			policy: Policy{
				MaxHedgedRequests: 2,
				HedgeDelay:        time.Second,
				NonFatalCodes:     []status.Code{status.Unavailable},
			},
			behave: func(ctx context.Context, n int32, req string) (string, error) {
				return "", errors.NewServerError(status.ResourceExhausted, "busy")
			},
			wantCode:  status.ResourceExhausted,
			wantCalls: 1,
		},
	}

	for _, test := range tests {
		b := newBackend(test.policy, test.behave)

		got, err := client.Unary[string, string](t.Context(), b.conn, unaryDesc, "ping")
		if code := errors.Code(err); code != test.wantCode {
			t.Errorf("[TestClientInterceptor](%s): got code %v (%v), want %v", test.name, code, err, test.wantCode)
			continue
		}
		if got != test.want {
			t.Errorf("[TestClientInterceptor](%s): got %q, want %q", test.name, got, test.want)
		}
		if n := b.calls.Load(); n != test.wantCalls {
			t.Errorf("[TestClientInterceptor](%s): got %d calls, want %d", test.name, n, test.wantCalls)
		}
	}
}

func TestLosersCancelled(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	b := newBackend(Policy{MaxHedgedRequests: 1, HedgeDelay: 10 * time.Millisecond}, func(ctx context.Context, n int32, req string) (string, error) {
		if n == 1 {
			<-ctx.Done()
			cancelled <- struct{}{}
			return "", ctx.Err()
		}
		return "fast", nil
	})

	if _, err := client.Unary[string, string](t.Context(), b.conn, unaryDesc, "ping"); err != nil {
		t.Fatalf("[TestLosersCancelled]: got err == %v, want err == nil", err)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Errorf("[TestLosersCancelled]: slow attempt was not cancelled")
	}
}

func TestDeadline(t *testing.T) {
	b := newBackend(Policy{MaxHedgedRequests: 3, HedgeDelay: 10 * time.Millisecond}, func(ctx context.Context, n int32, req string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := client.Unary[string, string](t.Context(), b.conn, unaryDesc, "ping", client.WithTimeout(100*time.Millisecond))
	if errors.Code(err) != status.DeadlineExceeded {
		t.Errorf("[TestDeadline]: got %v, want DEADLINE_EXCEEDED", err)
	}
}

func TestStreamsNotHedged(t *testing.T) {
	b := newBackend(Policy{MaxHedgedRequests: 2, HedgeDelay: time.Millisecond}, nil)

	var got []string
	for resp, err := range client.ServerStreaming[string, string](t.Context(), b.conn, streamDesc, "item") {
		if err != nil {
			t.Fatalf("[TestStreamsNotHedged]: got err == %v, want err == nil", err)
		}
		got = append(got, resp)
	}
	if !slices.Equal(got, []string{"item"}) {
		t.Errorf("[TestStreamsNotHedged]: got %v, want [item]", got)
	}
	if n := b.calls.Load(); n != 1 {
		t.Errorf("[TestStreamsNotHedged]: got %d calls, want 1", n)
	}
}
