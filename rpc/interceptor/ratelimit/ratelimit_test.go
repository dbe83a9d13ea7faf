package ratelimit

import (
	"testing"
	"time"

	"github.com/gostdlib/base/context"
	"golang.org/x/time/rate"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport/inproc"
)

var pingDesc = call.Descriptor{Service: "test.Limited", Method: "Ping"}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantLimit rate.Limit
		wantBurst int
	}{
		{name: "Success: defaults", cfg: Config{}, wantLimit: 100, wantBurst: 10},
		{name: "Success: custom", cfg: Config{Rate: 5, Burst: 2}, wantLimit: 5, wantBurst: 2},
		{name: "Success: negative falls back", cfg: Config{Rate: -1, Burst: -1}, wantLimit: 100, wantBurst: 10},
	}

	for _, test := range tests {
		l := New(test.cfg)
		if l.limit != test.wantLimit {
			t.Errorf("[TestNew](%s): limit = %v, want %v", test.name, l.limit, test.wantLimit)
		}
		if l.burst != test.wantBurst {
			t.Errorf("[TestNew](%s): burst = %d, want %d", test.name, l.burst, test.wantBurst)
		}
	}
}

func TestLimiterAllow(t *testing.T) {
	l := New(Config{
		Rate:  10, // 10 requests per second
		Burst: 2,
	})

	if !l.allow("key1") {
		t.Error("[TestLimiterAllow]: first request should be allowed")
	}
	if !l.allow("key1") {
		t.Error("[TestLimiterAllow]: second request (within burst) should be allowed")
	}
	if l.allow("key1") {
		t.Error("[TestLimiterAllow]: third request should be denied (burst exhausted)")
	}
	if !l.allow("key2") {
		t.Error("[TestLimiterAllow]: different key should be allowed")
	}
}

func TestLimiterTokenRefill(t *testing.T) {
	l := New(Config{
		Rate:  1000, // 1 per ms
		Burst: 1,
	})

	l.allow("key1")
	if l.allow("key1") {
		t.Error("[TestLimiterTokenRefill]: should be denied after burst")
	}

	time.Sleep(5 * time.Millisecond)

	if !l.allow("key1") {
		t.Error("[TestLimiterTokenRefill]: should be allowed after token refill")
	}
}

func TestKeyFuncs(t *testing.T) {
	info := call.New(pingDesc, metadata.New("x-client-id", "c1"))

	tests := []struct {
		name string
		fn   KeyFunc
		want string
	}{
		{name: "Success: ByMethod", fn: ByMethod(), want: "/test.Limited/Ping"},
		{name: "Success: ByClient", fn: ByClient("x-client-id"), want: "c1"},
		{name: "Success: ByClient missing key", fn: ByClient("x-other"), want: ""},
		{name: "Success: ByMethodAndClient", fn: ByMethodAndClient("x-client-id"), want: "/test.Limited/Ping:c1"},
	}

	for _, test := range tests {
		if got := test.fn(info); got != test.want {
			t.Errorf("[TestKeyFuncs](%s): got %q, want %q", test.name, got, test.want)
		}
	}
}

func TestServerInterceptor(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 2, KeyFunc: ByClient("x-client-id")})

	calls := 0
	srv := server.New(server.WithInterceptors(l.ServerInterceptor()))
	srv.MustRegister(pingDesc, server.Unary[string, string](func(ctx context.Context, req string) (string, error) {
		calls++
		return "pong", nil
	}))
	conn := client.New(inproc.New(srv))

	tests := []struct {
		name     string
		client   string
		wantCode status.Code
	}{
		{name: "Success: first call", client: "a"},
		{name: "Success: second call within burst", client: "a"},
		{name: "Error: burst exhausted", client: "a", wantCode: status.ResourceExhausted},
		{name: "Success: other client has its own bucket", client: "b"},
	}

	for _, test := range tests {
		_, err := client.Unary[string, string](t.Context(), conn, pingDesc, "ping", client.WithMetadata("x-client-id", test.client))
		if got := errors.Code(err); got != test.wantCode {
			t.Errorf("[TestServerInterceptor](%s): got code %v (err %v), want %v", test.name, got, err, test.wantCode)
		}
	}
	if calls != 3 {
		t.Errorf("[TestServerInterceptor]: handler calls = %d, want 3", calls)
	}
}

func TestCleanup(t *testing.T) {
	l := New(Config{Rate: 100, Burst: 10})

	l.allow("key1")
	l.allow("key2")
	l.allow("key3")
	if l.Stats() != 3 {
		t.Errorf("[TestCleanup]: initial stats = %d, want 3", l.Stats())
	}

	time.Sleep(10 * time.Millisecond)
	l.Cleanup(time.Millisecond)

	if l.Stats() != 0 {
		t.Errorf("[TestCleanup]: after cleanup stats = %d, want 0", l.Stats())
	}
}

func TestCleanupKeepsRecentEntries(t *testing.T) {
	l := New(Config{Rate: 100, Burst: 10})

	l.allow("key1")
	time.Sleep(50 * time.Millisecond)
	l.allow("key2")

	l.Cleanup(30 * time.Millisecond)

	if l.Stats() != 1 {
		t.Errorf("[TestCleanupKeepsRecentEntries]: stats = %d, want 1", l.Stats())
	}
}
