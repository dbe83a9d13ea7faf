package context

import (
	"net"
	"testing"
)

func TestRemoteAddrNotSet(t *testing.T) {
	if addr := RemoteAddr(t.Context()); addr != nil {
		t.Errorf("[TestRemoteAddrNotSet]: got %v, want nil", addr)
	}
}

func TestWithRemoteAddr(t *testing.T) {
	tcpAddr := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 54321}

	ctx := WithRemoteAddr(t.Context(), tcpAddr)
	got, ok := RemoteAddr(ctx).(*net.TCPAddr)
	if !ok {
		t.Fatalf("[TestWithRemoteAddr]: got type %T, want *net.TCPAddr", RemoteAddr(ctx))
	}
	if !got.IP.Equal(tcpAddr.IP) || got.Port != tcpAddr.Port {
		t.Errorf("[TestWithRemoteAddr]: got %v, want %v", got, tcpAddr)
	}

	if WithRemoteAddr(ctx, nil) != ctx {
		t.Errorf("[TestWithRemoteAddr]: nil addr changed the context")
	}
}

type strAddr string

func (a strAddr) Network() string { return "test" }
func (a strAddr) String() string  { return string(a) }

func TestHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		wantHost string
		wantPort int
		wantOK   bool
	}{
		{
			name:     "Success: tcp v6 loopback",
			addr:     &net.TCPAddr{IP: net.IPv6loopback, Port: 50051},
			wantHost: "::1",
			wantPort: 50051,
			wantOK:   true,
		},
		{
			name:     "Success: udp",
			addr:     &net.UDPAddr{IP: net.ParseIP("10.0.0.50"), Port: 12345},
			wantHost: "10.0.0.50",
			wantPort: 12345,
			wantOK:   true,
		},
		{
			name:     "Success: generic host:port",
			addr:     strAddr("127.0.0.1:8080"),
			wantHost: "127.0.0.1",
			wantPort: 8080,
			wantOK:   true,
		},
		{
			name: "Error: nil",
			addr: nil,
		},
		{
			name: "Error: no port",
			addr: strAddr("pipe"),
		},
	}

	for _, test := range tests {
		host, port, ok := HostPort(test.addr)
		if ok != test.wantOK {
			t.Errorf("[TestHostPort](%s): ok = %v, want %v", test.name, ok, test.wantOK)
			continue
		}
		if host != test.wantHost || port != test.wantPort {
			t.Errorf("[TestHostPort](%s): got %s/%d, want %s/%d", test.name, host, port, test.wantHost, test.wantPort)
		}
	}
}
