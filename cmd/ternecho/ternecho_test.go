package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gostdlib/base/context"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport/inproc"
)

func TestEchoMethods(t *testing.T) {
	srv := server.New()
	registerEcho(srv)
	conn := client.New(inproc.New(srv))
	a := &app{cfg: config.Default(), log: zap.NewNop()}

	tests := []struct {
		name     string
		flags    callFlags
		args     []string
		want     string
		wantCode status.Code
	}{
		{
			name:  "Success: say",
			flags: callFlags{method: "say"},
			args:  []string{"hello", "world"},
			want:  `{"message":"hello world","index":0}` + "\n",
		},
		{
			name:  "Success: collect",
			flags: callFlags{method: "collect"},
			args:  []string{"a", "b", "c"},
			want:  `{"message":"a b c","index":3}` + "\n",
		},
		{
			name:  "Success: repeat",
			flags: callFlags{method: "repeat", count: 2},
			args:  []string{"hi"},
			want:  `{"message":"hi #1","index":0}` + "\n" + `{"message":"hi #2","index":1}` + "\n",
		},
		{
			name:  "Success: chat",
			flags: callFlags{method: "chat"},
			args:  []string{"a", "b"},
			want:  `{"message":"a","index":0}` + "\n" + `{"message":"b","index":1}` + "\n",
		},
		{
			name:     "Error: empty say",
			flags:    callFlags{method: "say"},
			args:     []string{""},
			wantCode: status.InvalidArgument,
		},
		{
			name:     "Error: repeat count out of range",
			flags:    callFlags{method: "repeat", count: -1},
			args:     []string{"hi"},
			wantCode: status.OutOfRange,
		},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		err := a.call(t.Context(), conn, test.flags, test.args, &buf)
		if test.wantCode != status.OK {
			if errors.Code(err) != test.wantCode {
				t.Errorf("[TestEchoMethods](%s): got err == %v, want code %v", test.name, err, test.wantCode)
			}
			continue
		}
		if err != nil {
			t.Errorf("[TestEchoMethods](%s): got err == %v, want err == nil", test.name, err)
			continue
		}
		if buf.String() != test.want {
			t.Errorf("[TestEchoMethods](%s): got %q, want %q", test.name, buf.String(), test.want)
		}
	}

	if err := a.call(t.Context(), conn, callFlags{method: "shout"}, []string{"x"}, &bytes.Buffer{}); err == nil {
		t.Errorf("[TestEchoMethods](unknown method): got err == nil, want err != nil")
	}
}

func TestMessageTooLong(t *testing.T) {
	a := &app{cfg: config.Default(), log: zap.NewNop()}
	srv, err := a.newServer(t.Context())
	if err != nil {
		t.Fatalf("[TestMessageTooLong]: newServer: %v", err)
	}
	long := strings.Repeat("x", maxMessageLen+1)

	for _, method := range []string{"say", "chat"} {
		err := a.call(t.Context(), client.New(inproc.New(srv)), callFlags{method: method}, []string{long}, &bytes.Buffer{})
		if errors.Code(err) != status.InvalidArgument {
			t.Errorf("[TestMessageTooLong](%s): got err == %v, want INVALID_ARGUMENT", method, err)
		}
	}
}

// startServer serves the echo service on a loopback port and returns the client
// target for it.
func startServer(t *testing.T, tr config.Transport) string {
	t.Helper()
	return startServerWith(t, tr, nil)
}

// startServerWith is startServer with a hook to adjust the server config.
func startServerWith(t *testing.T, tr config.Transport, adjust func(*config.Server)) string {
	t.Helper()

	a := &app{cfg: config.Default(), log: zap.NewNop()}
	a.cfg.Server.Address = "127.0.0.1:0"
	if tr == config.Unix {
		// Socket paths are length limited; t.TempDir() can exceed it.
		f, err := os.CreateTemp("/tmp", "ternecho")
		if err != nil {
			t.Fatal(err)
		}
		f.Close()
		os.Remove(f.Name())
		a.cfg.Server.Address = f.Name()
	}
	a.cfg.Server.Transport = tr
	a.cfg.Server.RateLimit = &config.RateLimit{Rate: 1000, Burst: 100}
	if adjust != nil {
		adjust(&a.cfg.Server)
	}

	ctx, cancel := context.WithCancel(t.Context())
	ep, err := a.listen(ctx)
	if err != nil {
		t.Fatalf("listen(%s): %v", tr, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ep.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		ep.Shutdown(context.Background())
		<-done
	})

	addr := ep.Addr().String()
	switch tr {
	case config.HTTP:
		return "http://" + addr + rpcPath
	case config.WebSocket:
		return "ws://" + addr + rpcPath
	}
	return addr
}

func TestCarriers(t *testing.T) {
	tests := []struct {
		name       string
		transport  config.Transport
		compressor string
	}{
		{name: "Success: tcp", transport: config.TCP},
		{name: "Success: tcp zstd", transport: config.TCP, compressor: "zstd"},
		{name: "Success: unix", transport: config.Unix},
		{name: "Success: http", transport: config.HTTP, compressor: "gzip"},
		{name: "Success: websocket", transport: config.WebSocket, compressor: "snappy"},
	}

	for _, test := range tests {
		target := startServer(t, test.transport)

		a := &app{cfg: config.Default(), log: zap.NewNop()}
		a.cfg.Client.Target = target
		a.cfg.Client.Transport = test.transport
		a.cfg.Client.Compressor = test.compressor

		conn, err := a.dial(t.Context(), "secret")
		if err != nil {
			t.Errorf("[TestCarriers](%s): dial: %v", test.name, err)
			continue
		}
		var buf bytes.Buffer
		if err := a.call(t.Context(), conn, callFlags{method: "chat"}, []string{"one", "two"}, &buf); err != nil {
			t.Errorf("[TestCarriers](%s): got err == %v, want err == nil", test.name, err)
			continue
		}
		want := `{"message":"one","index":0}` + "\n" + `{"message":"two","index":1}` + "\n"
		if buf.String() != want {
			t.Errorf("[TestCarriers](%s): got %q, want %q", test.name, buf.String(), want)
		}
	}
}

func TestRootCall(t *testing.T) {
	target := startServer(t, config.TCP)

	path := filepath.Join(t.TempDir(), "tern.yaml")
	cfg := "log:\n  level: error\nclient:\n  metadata:\n    x-client-id: test\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	a := &app{}
	defer a.close(t.Context())
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "call", "--target", target, "--method", "repeat", "-n", "2", "ping"})
	if err := root.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("[TestRootCall]: got err == %v, want err == nil", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"ping #2"`) {
		t.Errorf("[TestRootCall]: got output %q, want two repeat lines", out.String())
	}
}

func TestRootBalancer(t *testing.T) {
	a1, a2 := startServer(t, config.TCP), startServer(t, config.TCP)

	path := filepath.Join(t.TempDir(), "tern.yaml")
	cfg := "log:\n  level: error\nclient:\n  target: passthrough:///" + a1 + "," + a2 +
		"\n  balancer:\n    picker: round_robin\n    health_check_interval: 1s\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	a := &app{}
	defer a.close(t.Context())
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "call", "--method", "say", "balanced"})
	if err := root.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("[TestRootBalancer]: got err == %v, want err == nil", err)
	}
	if !strings.Contains(out.String(), "balanced") {
		t.Errorf("[TestRootBalancer]: got output %q, want the echoed message", out.String())
	}
	if len(a.pools) != 1 {
		t.Fatalf("[TestRootBalancer]: got %d pools, want 1", len(a.pools))
	}
	if n := len(a.pools[0].SubConns()); n != 2 {
		t.Errorf("[TestRootBalancer]: got %d subconns, want 2", n)
	}
}

func TestRootHealth(t *testing.T) {
	target := startServer(t, config.TCP)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "Success: server", args: []string{"health", "--target", target}, want: "SERVING"},
		{name: "Success: echo service", args: []string{"health", "--target", target, echoService}, want: "SERVING"},
		{name: "Success: unknown service", args: []string{"health", "--target", target, "nope"}, want: "SERVICE_UNKNOWN"},
	}

	for _, test := range tests {
		var out bytes.Buffer
		a := &app{}
		root := newRootCmd(a)
		root.SetOut(&out)
		root.SetArgs(test.args)
		err := root.ExecuteContext(t.Context())
		a.close(t.Context())
		if err != nil {
			t.Errorf("[TestRootHealth](%s): got err == %v, want err == nil", test.name, err)
			continue
		}
		if got := strings.TrimSpace(out.String()); got != test.want {
			t.Errorf("[TestRootHealth](%s): got %q, want %q", test.name, got, test.want)
		}
	}
}

func TestRootServices(t *testing.T) {
	target := startServerWith(t, config.TCP, func(s *config.Server) {
		s.Reflection = &config.Reflection{AllowedCIDRs: []string{"127.0.0.0/8"}, Token: "s3cret"}
	})

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		a := &app{}
		defer a.close(t.Context())
		root := newRootCmd(a)
		root.SetOut(&out)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append([]string{"services", "--target", target}, args...))
		err := root.ExecuteContext(t.Context())
		return out.String(), err
	}

	got, err := run("--token", "s3cret")
	if err != nil {
		t.Fatalf("[TestRootServices]: got err == %v, want err == nil", err)
	}
	for _, want := range []string{
		"tern.echo.Echo/Chat bidi_stream",
		"tern.echo.Echo/Say unary",
		"tern.health.v1.Health/Watch server_stream",
		"tern.reflection.v1.Reflection/ListServices unary",
	} {
		if !strings.Contains(got, want+"\n") {
			t.Errorf("[TestRootServices]: output missing %q:\n%s", want, got)
		}
	}

	if _, err := run("--token", "wrong"); errors.Code(err) != status.Unauthenticated {
		t.Errorf("[TestRootServices](bad token): got %v, want UNAUTHENTICATED", err)
	}
}

func TestRootBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tern.yaml")
	if err := os.WriteFile(path, []byte("server:\n  transport: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	a := &app{}
	defer a.close(t.Context())
	root := newRootCmd(a)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "call", "x"})
	if err := root.ExecuteContext(t.Context()); err == nil {
		t.Errorf("[TestRootBadConfig]: got err == nil, want err != nil")
	}
}
