package inproc

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
	"github.com/bearlytools/tern/rpc/transport"
)

type handlerFunc func(ctx context.Context, sc transport.ServerCall)

func (f handlerFunc) HandleCall(ctx context.Context, sc transport.ServerCall) { f(ctx, sc) }

var echoDesc = call.Descriptor{Service: "test.Echo", Method: "Echo", RequestStream: true, ResponseStream: true}

// echo sends every request back and finishes with the status carried in the
// "want-code" metadata value.
func echo(ctx context.Context, sc transport.ServerCall) {
	for {
		p, err := sc.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			sc.Finish(errors.FromError(err))
			return
		}
		if err := sc.Send(ctx, p); err != nil {
			return
		}
	}
	code, _ := status.ParseCode(sc.Metadata().Get("want-code"))
	sc.Finish(status.New(code, "done"))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		sent     []string
		wantCode status.Code
	}{
		{name: "Success: echo and OK", code: "OK", sent: []string{"a", "b", "c"}, wantCode: status.OK},
		{name: "Success: no messages", code: "OK", wantCode: status.OK},
		{name: "Error: echo then NOT_FOUND", code: "NOT_FOUND", sent: []string{"a"}, wantCode: status.NotFound},
	}

	for _, test := range tests {
		ctx := t.Context()
		tr := New(handlerFunc(echo))

		c := call.New(echoDesc, metadata.New("want-code", test.code))
		cc, err := tr.NewCall(ctx, c)
		if err != nil {
			t.Fatalf("[TestRoundTrip](%s): NewCall: %v", test.name, err)
		}
		if !c.Sealed() {
			t.Errorf("[TestRoundTrip](%s): call not sealed after NewCall", test.name)
		}

		for _, s := range test.sent {
			if err := cc.Send(ctx, []byte(s)); err != nil {
				t.Fatalf("[TestRoundTrip](%s): Send: %v", test.name, err)
			}
		}
		cc.CloseSend()

		var got []string
		var final error
		for {
			p, err := cc.Recv(ctx)
			if err != nil {
				final = err
				break
			}
			got = append(got, string(p))
		}

		if len(got) != len(test.sent) {
			t.Errorf("[TestRoundTrip](%s): got %d responses, want %d", test.name, len(got), len(test.sent))
		}
		if test.wantCode == status.OK {
			if final != io.EOF {
				t.Errorf("[TestRoundTrip](%s): got final %v, want io.EOF", test.name, final)
			}
			continue
		}
		if got := errors.Code(final); got != test.wantCode {
			t.Errorf("[TestRoundTrip](%s): got code %s, want %s", test.name, got, test.wantCode)
		}
	}
}

func TestCancel(t *testing.T) {
	ctx := t.Context()

	serverErr := make(chan error, 1)
	tr := New(handlerFunc(func(ctx context.Context, sc transport.ServerCall) {
		_, err := sc.Recv(ctx)
		serverErr <- err
		sc.Finish(errors.FromError(err))
	}))

	cc, err := tr.NewCall(ctx, call.New(echoDesc, nil))
	if err != nil {
		t.Fatalf("[TestCancel]: NewCall: %v", err)
	}
	cc.Cancel()

	_, err = cc.Recv(ctx)
	if got := errors.Code(err); got != status.Canceled {
		t.Errorf("[TestCancel]: client got code %s, want CANCELLED", got)
	}

	select {
	case err := <-serverErr:
		if got := errors.Code(err); got != status.Canceled {
			t.Errorf("[TestCancel]: server got code %s, want CANCELLED", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("[TestCancel]: server never observed the cancel")
	}

	// Send after the call ended reports the end of the stream.
	if err := cc.Send(ctx, []byte("late")); err != io.EOF {
		t.Errorf("[TestCancel]: Send after cancel: got %v, want io.EOF", err)
	}
}

func TestFinishOnce(t *testing.T) {
	ctx := t.Context()

	second := make(chan error, 1)
	tr := New(handlerFunc(func(ctx context.Context, sc transport.ServerCall) {
		sc.Finish(status.New(status.NotFound, "first"))
		second <- sc.Finish(status.New(status.Internal, "second"))
	}))

	cc, err := tr.NewCall(ctx, call.New(echoDesc, nil))
	if err != nil {
		t.Fatalf("[TestFinishOnce]: NewCall: %v", err)
	}
	_, err = cc.Recv(ctx)
	if got := errors.FromError(err); got != status.New(status.NotFound, "first") {
		t.Errorf("[TestFinishOnce]: got status %s, want NOT_FOUND: first", got)
	}
	if err := <-second; err != transport.ErrFinished {
		t.Errorf("[TestFinishOnce]: second Finish: got %v, want ErrFinished", err)
	}
}

func TestServerView(t *testing.T) {
	ctx := t.Context()
	deadline := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	peer := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4242}

	type view struct {
		Path     string
		Test     string
		Sealed   bool
		Deadline bool
		Peer     string
	}
	got := make(chan view, 1)
	tr := New(
		handlerFunc(func(ctx context.Context, sc transport.ServerCall) {
			_, hasDL := sc.Deadline()
			got <- view{
				Path:     sc.Path(),
				Test:     sc.Metadata().Get("test"),
				Sealed:   sc.Metadata().Sealed(),
				Deadline: hasDL,
				Peer:     sc.RemoteAddr().String(),
			}
			sc.Finish(status.OKStatus())
		}),
		WithRemoteAddr(peer),
	)

	cc, err := tr.NewCall(ctx, call.New(echoDesc, metadata.New("Test", "test-metadata-value")))
	if err != nil {
		t.Fatalf("[TestServerView]: NewCall: %v", err)
	}
	if _, err := cc.Recv(ctx); err != io.EOF {
		t.Errorf("[TestServerView]: got %v, want io.EOF", err)
	}

	want := view{Path: "/test.Echo/Echo", Test: "test-metadata-value", Sealed: true, Deadline: true, Peer: "10.0.0.1:4242"}
	if g := <-got; g != want {
		t.Errorf("[TestServerView]: got %+v, want %+v", g, want)
	}
}

func TestHandlerWithoutFinish(t *testing.T) {
	ctx := t.Context()
	tr := New(handlerFunc(func(ctx context.Context, sc transport.ServerCall) {}))

	cc, err := tr.NewCall(ctx, call.New(echoDesc, nil))
	if err != nil {
		t.Fatalf("[TestHandlerWithoutFinish]: NewCall: %v", err)
	}
	_, err = cc.Recv(ctx)
	if got := errors.Code(err); got != status.Internal {
		t.Errorf("[TestHandlerWithoutFinish]: got code %s, want INTERNAL", got)
	}
}
