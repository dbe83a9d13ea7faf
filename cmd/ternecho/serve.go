package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/bridge/websocket"
	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/health"
	rpclog "github.com/bearlytools/tern/rpc/interceptor/logging"
	rpcotel "github.com/bearlytools/tern/rpc/interceptor/otel"
	"github.com/bearlytools/tern/rpc/interceptor/ratelimit"
	"github.com/bearlytools/tern/rpc/reflection"
	"github.com/bearlytools/tern/rpc/server"
	ternhttp "github.com/bearlytools/tern/rpc/transport/http"
	"github.com/bearlytools/tern/rpc/transport/tcp"
	"github.com/bearlytools/tern/rpc/transport/unix"
	"github.com/bearlytools/tern/rpc/validate"
)

// rpcPath is where the http and websocket carriers accept calls.
const rpcPath = "/rpc"

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr, transportName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the echo service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Address = addr
			}
			if transportName != "" {
				a.cfg.Server.Transport = config.Transport(transportName)
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address")
	cmd.Flags().StringVar(&transportName, "transport", "", "tcp, unix, http or websocket, overrides server.transport")
	return cmd
}

// serve runs the echo server until ctx ends, then drains it.
func (a *app) serve(ctx context.Context) error {
	ep, err := a.listen(ctx)
	if err != nil {
		return err
	}
	a.log.Info(
		"serving",
		zap.String("transport", string(a.cfg.Server.Transport)),
		zap.Stringer("addr", ep.Addr()),
	)

	errCh := make(chan error, 1)
	context.Pool(ctx).Submit(ctx, func() { errCh <- ep.Serve(ctx) })

	select {
	case err := <-errCh:
		if ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.log.Info("shutting down")
	a.health.Shutdown()
	return ep.Shutdown(sctx)
}

// newServer builds the echo server with the configured interceptors.
func (a *app) newServer(ctx context.Context) (*server.Server, error) {
	ic, err := rpcotel.New(ctx, rpcotel.DefaultConfig())
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithLogger(a.log),
		server.WithMaxConcurrentCalls(a.cfg.Server.MaxConcurrentCalls),
		server.WithInterceptors(rpclog.ServerInterceptor(a.log), ic.ServerInterceptor(), validate.ServerInterceptor(nil)),
	}
	if rl := a.cfg.Server.RateLimit; rl != nil {
		key := ratelimit.ByMethod()
		if rl.Key != "" {
			key = ratelimit.ByMethodAndClient(rl.Key)
		}
		l := ratelimit.New(ratelimit.Config{Rate: rl.Rate, Burst: rl.Burst, KeyFunc: key})
		opts = append(opts, server.WithInterceptors(l.ServerInterceptor()))
	}

	srv := server.New(opts...)
	registerEcho(srv)
	if a.health, err = health.Enable(srv); err != nil {
		return nil, err
	}
	a.health.SetServingStatus(echoService, health.Serving)

	if r := a.cfg.Server.Reflection; r != nil {
		rc := &reflection.Config{AllowedCIDRs: r.AllowedCIDRs}
		if r.Token != "" {
			rc.TokenValidator = reflection.StaticToken("Bearer " + r.Token)
		}
		if _, err := reflection.Enable(srv, rc); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

// endpoint is a listening carrier.
type endpoint interface {
	Addr() net.Addr
	// Serve blocks until the endpoint is shut down or ctx ends.
	Serve(ctx context.Context) error
	// Shutdown stops accepting calls and drains the ones in flight.
	Shutdown(ctx context.Context) error
}

func (a *app) listen(ctx context.Context) (endpoint, error) {
	srv, err := a.newServer(ctx)
	if err != nil {
		return nil, err
	}

	addr := a.cfg.Server.Address
	switch a.cfg.Server.Transport {
	case config.TCP:
		l, err := tcp.Listen(ctx, addr)
		if err != nil {
			return nil, err
		}
		ts := tcp.NewServer(srv, addr, tcp.WithBridgeOptions(bridge.WithLogger(a.log)))
		return &tcpEndpoint{l: l, srv: ts}, nil
	case config.Unix:
		l, err := unix.Listen(ctx, addr)
		if err != nil {
			return nil, err
		}
		us := unix.NewServer(srv, addr, unix.WithBridgeOptions(bridge.WithLogger(a.log)))
		return &unixEndpoint{l: l, srv: us}, nil
	case config.HTTP, config.WebSocket:
		var h http.Handler
		if a.cfg.Server.Transport == config.HTTP {
			hh := ternhttp.NewHandler(srv, ternhttp.WithBridgeOptions(bridge.WithLogger(a.log)))
			hh.SetLogger(a.log)
			h = hh.H2CHandler()
		} else {
			h = websocket.NewHandler(srv, websocket.WithLogger(a.log))
		}
		mux := http.NewServeMux()
		mux.Handle(rpcPath, h)

		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &httpEndpoint{l: l, hs: &http.Server{Handler: mux}, srv: srv}, nil
	}
	return nil, errors.New("unknown transport " + string(a.cfg.Server.Transport))
}

type tcpEndpoint struct {
	l   *tcp.Listener
	srv *tcp.Server
}

func (e *tcpEndpoint) Addr() net.Addr                     { return e.l.Addr() }
func (e *tcpEndpoint) Serve(ctx context.Context) error    { return e.srv.Serve(ctx, e.l) }
func (e *tcpEndpoint) Shutdown(ctx context.Context) error { return e.srv.Shutdown(ctx) }

type unixEndpoint struct {
	l   *unix.Listener
	srv *unix.Server
}

func (e *unixEndpoint) Addr() net.Addr                     { return e.l.Addr() }
func (e *unixEndpoint) Serve(ctx context.Context) error    { return e.srv.Serve(ctx, e.l) }
func (e *unixEndpoint) Shutdown(ctx context.Context) error { return e.srv.Shutdown(ctx) }

type httpEndpoint struct {
	l   net.Listener
	hs  *http.Server
	srv *server.Server
}

func (e *httpEndpoint) Addr() net.Addr { return e.l.Addr() }

func (e *httpEndpoint) Serve(ctx context.Context) error {
	if err := e.hs.Serve(e.l); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *httpEndpoint) Shutdown(ctx context.Context) error {
	// Streaming calls hold their requests open, so drain calls before the listener.
	err := e.srv.Shutdown(ctx)
	return errors.Join(err, e.hs.Shutdown(ctx))
}
