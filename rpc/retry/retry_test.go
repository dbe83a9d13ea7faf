package retry

import (
	"fmt"
	"io"
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
	unaryDesc  = call.Descriptor{Service: "test.Retry", Method: "Unary"}
	clientDesc = call.Descriptor{Service: "test.Retry", Method: "Collect", RequestStream: true}
	serverDesc = call.Descriptor{Service: "test.Retry", Method: "List", ResponseStream: true}
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("[TestDefaultPolicy]: MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.InitialBackoff != 100*time.Millisecond {
		t.Errorf("[TestDefaultPolicy]: InitialBackoff = %v, want 100ms", p.InitialBackoff)
	}
	if p.MaxBackoff != 5*time.Second {
		t.Errorf("[TestDefaultPolicy]: MaxBackoff = %v, want 5s", p.MaxBackoff)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("[TestDefaultPolicy]: Multiplier = %f, want 2.0", p.Multiplier)
	}
}

func TestNextBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2}

	var got []time.Duration
	b := p.InitialBackoff
	for range 4 {
		got = append(got, b)
		b = p.next(b)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("[TestNextBackoff]: -want/+got:\n%s", diff)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Success: nil error", err: nil, want: false},
		{name: "Success: io.EOF", err: io.EOF, want: false},
		{name: "Success: internal is retryable", err: errors.NewServerError(status.Internal, "x"), want: true},
		{name: "Success: unavailable is retryable", err: errors.NewClientError("/a/b", status.Unavailable, "x"), want: true},
		{name: "Success: resource exhausted is retryable", err: errors.NewServerError(status.ResourceExhausted, "x"), want: true},
		{name: "Success: aborted is retryable", err: errors.NewServerError(status.Aborted, "x"), want: true},
		{name: "Success: deadline exceeded is not retryable", err: context.DeadlineExceeded, want: false},
		{name: "Success: cancelled is not retryable", err: context.Canceled, want: false},
		{name: "Success: not found is not retryable", err: errors.NewServerError(status.NotFound, "x"), want: false},
		{name: "Success: unauthenticated is not retryable", err: errors.NewServerError(status.Unauthenticated, "x"), want: false},
		{name: "Success: plain error is not retryable", err: fmt.Errorf("UNAVAILABLE"), want: false},
	}

	for _, test := range tests {
		if got := IsRetryable(test.err); got != test.want {
			t.Errorf("[TestIsRetryable](%s): got %v, want %v", test.name, got, test.want)
		}
	}
}

// flaky fails the first n calls of every method with code.
type flaky struct {
	n     int32
	code  status.Code
	calls atomic.Int32
}

func (f *flaky) fail() error {
	if f.calls.Add(1) <= f.n {
		return errors.NewServerError(f.code, "flaky")
	}
	return nil
}

func (f *flaky) server() *server.Server {
	srv := server.New()
	srv.MustRegister(unaryDesc, server.Unary[string, string](func(ctx context.Context, req string) (string, error) {
		if err := f.fail(); err != nil {
			return "", err
		}
		return "echo:" + req, nil
	}))
	srv.MustRegister(clientDesc, server.ClientStream[string, string](func(ctx context.Context, reqs *server.Receiver[string]) (string, error) {
		for _, err := range reqs.All() {
			if err != nil {
				return "", err
			}
		}
		if err := f.fail(); err != nil {
			return "", err
		}
		return "done", nil
	}))
	srv.MustRegister(serverDesc, server.ServerStream[string, string](func(ctx context.Context, req string, out *server.Sender[string]) error {
		if err := out.Send(req + "-1"); err != nil {
			return err
		}
		if err := f.fail(); err != nil {
			return err
		}
		return out.Send(req + "-2")
	}))
	return srv
}

func fastPolicy(max int) Policy {
	return Policy{MaxAttempts: max, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestUnaryRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		code      status.Code
		policy    Policy
		want      string
		wantCode  status.Code
		wantCalls int32
	}{
		{
			name:      "Success: no failures",
			policy:    fastPolicy(3),
			want:      "echo:hi",
			wantCalls: 1,
		},
		{
			name:      "Success: recovers after failures",
			failures:  2,
			code:      status.Unavailable,
			policy:    fastPolicy(3),
			want:      "echo:hi",
			wantCalls: 3,
		},
		{
			name:      "Error: attempts exhausted",
			failures:  10,
			code:      status.Unavailable,
			policy:    fastPolicy(2),
			wantCode:  status.Unavailable,
			wantCalls: 3,
		},
		{
			name:      "Error: not retryable",
			failures:  1,
			code:      status.NotFound,
			policy:    fastPolicy(3),
			wantCode:  status.NotFound,
			wantCalls: 1,
		},
		{
			name:      "Error: retries disabled",
			failures:  1,
			code:      status.Unavailable,
			policy:    fastPolicy(0),
			wantCode:  status.Unavailable,
			wantCalls: 1,
		},
		{
			name:     "Success: custom retryable",
			failures: 1,
			code:     status.NotFound,
			policy: Policy{
				MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 1,
				Retryable: func(err error) bool { return errors.Code(err) == status.NotFound },
			},
			want:      "echo:hi",
			wantCalls: 2,
		},
	}

	for _, test := range tests {
		f := &flaky{n: test.failures, code: test.code}
		conn := client.New(inproc.New(f.server()), client.WithInterceptors(ClientInterceptor(test.policy)))

		got, err := client.Unary[string, string](t.Context(), conn, unaryDesc, "hi")
		switch {
		case test.wantCode != status.OK:
			if errors.Code(err) != test.wantCode {
				t.Errorf("[TestUnaryRetry](%s): got err == %v, want code %v", test.name, err, test.wantCode)
			}
		case err != nil:
			t.Errorf("[TestUnaryRetry](%s): got err == %v, want err == nil", test.name, err)
		case got != test.want:
			t.Errorf("[TestUnaryRetry](%s): got %q, want %q", test.name, got, test.want)
		}
		if calls := f.calls.Load(); calls != test.wantCalls {
			t.Errorf("[TestUnaryRetry](%s): handler calls = %d, want %d", test.name, calls, test.wantCalls)
		}
	}
}

func TestStreamedRequestsNotRetried(t *testing.T) {
	f := &flaky{n: 1, code: status.Unavailable}
	conn := client.New(inproc.New(f.server()), client.WithInterceptors(ClientInterceptor(fastPolicy(3))))

	_, err := client.ClientStreaming[string, string](t.Context(), conn, clientDesc, slices.Values([]string{"a", "b"}))
	if errors.Code(err) != status.Unavailable {
		t.Errorf("[TestStreamedRequestsNotRetried]: got err == %v, want UNAVAILABLE", err)
	}
	if calls := f.calls.Load(); calls != 1 {
		t.Errorf("[TestStreamedRequestsNotRetried]: handler calls = %d, want 1", calls)
	}
}

func TestNoRetryAfterResponse(t *testing.T) {
	f := &flaky{n: 1, code: status.Unavailable}
	conn := client.New(inproc.New(f.server()), client.WithInterceptors(ClientInterceptor(fastPolicy(3))))

	var got []string
	var gotErr error
	for resp, err := range client.ServerStreaming[string, string](t.Context(), conn, serverDesc, "item") {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, resp)
	}
	if errors.Code(gotErr) != status.Unavailable {
		t.Errorf("[TestNoRetryAfterResponse]: got err == %v, want UNAVAILABLE", gotErr)
	}
	if diff := pretty.Compare([]string{"item-1"}, got); diff != "" {
		t.Errorf("[TestNoRetryAfterResponse]: -want/+got:\n%s", diff)
	}
	if calls := f.calls.Load(); calls != 1 {
		t.Errorf("[TestNoRetryAfterResponse]: handler calls = %d, want 1", calls)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	f := &flaky{n: 10, code: status.Unavailable}
	policy := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, Multiplier: 1}
	conn := client.New(inproc.New(f.server()), client.WithInterceptors(ClientInterceptor(policy)))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Unary[string, string](ctx, conn, unaryDesc, "hi")
	if err == nil {
		t.Fatalf("[TestCancelDuringBackoff]: got err == nil, want err != nil")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("[TestCancelDuringBackoff]: call did not stop at the deadline")
	}
	if calls := f.calls.Load(); calls != 1 {
		t.Errorf("[TestCancelDuringBackoff]: handler calls = %d, want 1", calls)
	}
}
