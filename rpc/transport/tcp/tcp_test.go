package tcp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/kylelemons/godebug/pretty"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/client"
	rpcctx "github.com/bearlytools/tern/rpc/context"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/server"
	"github.com/bearlytools/tern/rpc/status"
)

var (
	echoDesc = call.Descriptor{Service: "test.TestService", Method: "Echo"}
	bidiDesc = call.Descriptor{Service: "test.TestService", Method: "Stream", RequestStream: true, ResponseStream: true}
)

func newRPCServer(peers chan net.Addr) *server.Server {
	srv := server.New()
	srv.MustRegister(echoDesc, server.Unary[[]byte, []byte](func(ctx context.Context, req []byte) ([]byte, error) {
		if peers != nil {
			peers <- rpcctx.RemoteAddr(ctx)
		}
		return append([]byte("echo:"), req...), nil
	}))
	srv.MustRegister(bidiDesc, server.BiDi[[]byte, []byte](func(ctx context.Context, reqs *server.Receiver[[]byte], out *server.Sender[[]byte]) error {
		for req, err := range reqs.All() {
			if err != nil {
				return err
			}
			if err := out.Send(req); err != nil {
				return err
			}
		}
		return nil
	}))
	return srv
}

// serve runs srv on a loopback listener and returns its address.
func serve(t *testing.T, srv *server.Server, opts ...Option) (*Server, string) {
	t.Helper()
	ctx := t.Context()

	l, err := Listen(ctx, "127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	tcpSrv := NewServer(srv, "", opts...)
	go tcpSrv.Serve(ctx, l)
	t.Cleanup(func() { tcpSrv.Close() })
	return tcpSrv, l.Addr().String()
}

func TestCalls(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "Success: small", payload: []byte("hello")},
		{name: "Success: empty", payload: []byte{}},
		{name: "Success: large", payload: make([]byte, 100000)},
	}

	for _, test := range tests {
		peers := make(chan net.Addr, 1)
		_, addr := serve(t, newRPCServer(peers))

		c, err := NewClient(addr)
		if err != nil {
			t.Fatalf("[TestCalls](%s): NewClient: %v", test.name, err)
		}
		conn := client.New(c)

		got, err := client.Unary[[]byte, []byte](t.Context(), conn, echoDesc, test.payload)
		if err != nil {
			t.Errorf("[TestCalls](%s): got err == %v, want err == nil", test.name, err)
			continue
		}
		if diff := pretty.Compare(append([]byte("echo:"), test.payload...), got); diff != "" {
			t.Errorf("[TestCalls](%s): -want/+got:\n%s", test.name, diff)
		}

		host, _, ok := rpcctx.HostPort(<-peers)
		if !ok || host != "127.0.0.1" {
			t.Errorf("[TestCalls](%s): server saw peer %q, want 127.0.0.1", test.name, host)
		}
	}
}

func TestBiDi(t *testing.T) {
	_, addr := serve(t, newRPCServer(nil))
	c, err := NewClient(addr, WithBridgeOptions(bridge.WithCompressor("snappy")))
	if err != nil {
		t.Fatalf("[TestBiDi]: NewClient: %v", err)
	}

	reqs := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var got [][]byte
	for resp, err := range client.BiDi[[]byte, []byte](t.Context(), client.New(c), bidiDesc, slices.Values(reqs)) {
		if err != nil {
			t.Fatalf("[TestBiDi]: got err == %v, want err == nil", err)
		}
		got = append(got, resp)
	}
	if diff := pretty.Compare(reqs, got); diff != "" {
		t.Errorf("[TestBiDi]: -want/+got:\n%s", diff)
	}
}

func TestTLS(t *testing.T) {
	serverTLS, err := generateTestTLSConfig()
	if err != nil {
		t.Fatalf("[TestTLS]: failed to generate TLS config: %v", err)
	}
	_, addr := serve(t, newRPCServer(nil), WithTLSConfig(serverTLS))

	c, err := NewClient(addr, WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	if err != nil {
		t.Fatalf("[TestTLS]: NewClient: %v", err)
	}
	got, err := client.Unary[[]byte, []byte](t.Context(), client.New(c), echoDesc, []byte("secure"))
	if err != nil {
		t.Fatalf("[TestTLS]: got err == %v, want err == nil", err)
	}
	if string(got) != "echo:secure" {
		t.Errorf("[TestTLS]: got %q, want %q", got, "echo:secure")
	}
}

func TestDialErrors(t *testing.T) {
	// Find a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("[TestDialErrors]: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d, err := NewDialer(addr, WithMaxDialAttempts(2), WithDialTimeout(time.Second))
	if err != nil {
		t.Fatalf("[TestDialErrors]: NewDialer: %v", err)
	}
	if _, err := d.Dial(t.Context()); err == nil {
		t.Errorf("[TestDialErrors]: Dial: got err == nil, want err != nil")
	}

	c, _ := NewClient(addr, WithMaxDialAttempts(1))
	_, err = client.Unary[[]byte, []byte](t.Context(), client.New(c), echoDesc, []byte("x"))
	if errors.Code(err) != status.Unavailable {
		t.Errorf("[TestDialErrors]: call: got %v, want UNAVAILABLE", err)
	}
}

func TestAcceptContext(t *testing.T) {
	l, err := Listen(t.Context(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("[TestAcceptContext]: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("[TestAcceptContext]: got %v, want DeadlineExceeded", err)
	}

	l.Close()
	if _, err := l.Accept(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("[TestAcceptContext]: after Close: got %v, want ErrClosed", err)
	}
}

func TestShutdown(t *testing.T) {
	srv := newRPCServer(nil)
	tcpSrv, addr := serve(t, srv)

	c, err := NewClient(addr, WithMaxDialAttempts(1))
	if err != nil {
		t.Fatalf("[TestShutdown]: NewClient: %v", err)
	}
	conn := client.New(c)
	if _, err := client.Unary[[]byte, []byte](t.Context(), conn, echoDesc, []byte("x")); err != nil {
		t.Fatalf("[TestShutdown]: before shutdown: %v", err)
	}

	if err := tcpSrv.Shutdown(t.Context()); err != nil {
		t.Fatalf("[TestShutdown]: Shutdown: %v", err)
	}
	if !srv.IsDraining() {
		t.Errorf("[TestShutdown]: RPC server is not draining")
	}
	if _, err := client.Unary[[]byte, []byte](t.Context(), conn, echoDesc, []byte("x")); err == nil {
		t.Errorf("[TestShutdown]: call after shutdown: got err == nil, want err != nil")
	}
}

// generateTestTLSConfig creates a self-signed certificate for testing.
func generateTestTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
	}, nil
}
