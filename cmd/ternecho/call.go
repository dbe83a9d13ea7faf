package main

import (
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gostdlib/base/context"
	"github.com/spf13/cobra"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/bridge/websocket"
	"github.com/bearlytools/tern/rpc/client"
	"github.com/bearlytools/tern/rpc/client/pool"
	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/credentials"
	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/interceptor"
	rpclog "github.com/bearlytools/tern/rpc/interceptor/logging"
	rpcotel "github.com/bearlytools/tern/rpc/interceptor/otel"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/serviceconfig"
	"github.com/bearlytools/tern/rpc/transport"
	ternhttp "github.com/bearlytools/tern/rpc/transport/http"
	"github.com/bearlytools/tern/rpc/transport/resolver"
	_ "github.com/bearlytools/tern/rpc/transport/resolver/dns"
	"github.com/bearlytools/tern/rpc/transport/tcp"
	"github.com/bearlytools/tern/rpc/transport/unix"
	"github.com/bearlytools/tern/rpc/validate"
)

type callFlags struct {
	method     string
	target     string
	transport  string
	compressor string
	token      string
	count      int
}

func newCallCmd(a *app) *cobra.Command {
	var f callFlags

	cmd := &cobra.Command{
		Use:   "call [message...]",
		Short: "Call an echo method and print the responses as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.target != "" {
				a.cfg.Client.Target = f.target
			}
			if f.transport != "" {
				a.cfg.Client.Transport = config.Transport(f.transport)
			}
			if f.compressor != "" {
				a.cfg.Client.Compressor = f.compressor
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			conn, err := a.dial(cmd.Context(), f.token)
			if err != nil {
				return err
			}
			return a.call(cmd.Context(), conn, f, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.method, "method", "m", "say", "say, collect, repeat or chat")
	cmd.Flags().StringVar(&f.target, "target", "", "server address or URL, overrides client.target")
	cmd.Flags().StringVar(&f.transport, "transport", "", "tcp, unix, http or websocket, overrides client.transport")
	cmd.Flags().StringVar(&f.compressor, "compressor", "", "frame compressor, overrides client.compressor")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token sent as authorization metadata")
	cmd.Flags().IntVarP(&f.count, "count", "n", 3, "number of responses for repeat")
	return cmd
}

// dial builds a Conn for the configured client carrier.
func (a *app) dial(ctx context.Context, token string) (*client.Conn, error) {
	cc := a.cfg.Client
	bopts := []bridge.Option{bridge.WithLogger(a.log), bridge.WithCompressor(cc.Compressor)}

	var caller transport.Caller
	var err error
	switch {
	case cc.Balancer != nil:
		caller, err = a.newPool(ctx, cc, bopts)
	case cc.Transport == config.TCP:
		caller, err = tcp.NewClient(cc.Target, tcp.WithBridgeOptions(bopts...))
	case cc.Transport == config.Unix:
		caller, err = unix.NewClient(cc.Target, unix.WithBridgeOptions(bopts...))
	case cc.Transport == config.HTTP:
		caller, err = ternhttp.NewClient(cc.Target, ternhttp.WithBridgeOptions(bopts...))
	case cc.Transport == config.WebSocket:
		caller = websocket.NewClient(cc.Target, websocket.WithBridgeOptions(bopts...), websocket.WithLogger(a.log))
	default:
		err = errors.New("unknown transport " + string(cc.Transport))
	}
	if err != nil {
		return nil, err
	}

	ic, err := rpcotel.New(ctx, rpcotel.DefaultConfig())
	if err != nil {
		return nil, err
	}
	interceptors := []interceptor.ClientInterceptor{rpclog.ClientInterceptor(a.log), ic.ClientInterceptor()}
	if token != "" {
		interceptors = append(interceptors, credentials.ClientInterceptor(credentials.NewToken("Bearer", token)))
	}
	interceptors = append(interceptors, validate.ClientInterceptor(nil), serviceconfig.ClientInterceptor(cc.ServiceConfig()))

	md := metadata.New()
	for _, k := range slices.Sorted(maps.Keys(cc.Metadata)) {
		md.Set(k, cc.Metadata[k])
	}

	return client.New(caller, client.WithDefaultMetadata(md), client.WithInterceptors(interceptors...)), nil
}

const poolReadyTimeout = 10 * time.Second

// newPool balances over the addresses cc.Target resolves to. The pool is closed
// by a.close.
func (a *app) newPool(ctx context.Context, cc config.Client, bopts []bridge.Option) (*pool.Pool, error) {
	picker, err := resolver.NewPicker(cc.Balancer.Picker)
	if err != nil {
		return nil, err
	}
	newCaller := func(addr string) (transport.Caller, error) {
		if cc.Transport == config.Unix {
			return unix.NewClient(addr, unix.WithBridgeOptions(bopts...))
		}
		return tcp.NewClient(addr, tcp.WithBridgeOptions(bopts...))
	}
	p, err := pool.New(
		ctx,
		cc.Target,
		newCaller,
		pool.WithPicker(picker),
		pool.WithHealthCheckInterval(cc.Balancer.HealthCheckInterval),
		pool.WithResolveInterval(cc.Balancer.ResolveInterval),
		pool.WithLogger(a.log),
	)
	if err != nil {
		return nil, err
	}
	a.pools = append(a.pools, p)

	wctx, cancel := context.WithTimeout(ctx, poolReadyTimeout)
	defer cancel()
	if err := p.WaitReady(wctx); err != nil {
		return nil, err
	}
	return p, nil
}

// call runs one echo method and writes each response to w.
func (a *app) call(ctx context.Context, conn *client.Conn, f callFlags, args []string, w io.Writer) error {
	reqs := make([]EchoRequest, 0, len(args))
	for _, arg := range args {
		reqs = append(reqs, EchoRequest{Message: arg})
	}

	var resps iter.Seq2[EchoResponse, error]
	switch f.method {
	case "say":
		resp, err := client.Unary[EchoRequest, EchoResponse](ctx, conn, sayDesc, EchoRequest{Message: strings.Join(args, " ")})
		resps = single(resp, err)
	case "collect":
		resp, err := client.ClientStreaming[EchoRequest, EchoResponse](ctx, conn, collectDesc, slices.Values(reqs))
		resps = single(resp, err)
	case "repeat":
		req := EchoRequest{Message: strings.Join(args, " "), Count: f.count}
		resps = client.ServerStreaming[EchoRequest, EchoResponse](ctx, conn, repeatDesc, req)
	case "chat":
		resps = client.BiDi[EchoRequest, EchoResponse](ctx, conn, chatDesc, slices.Values(reqs))
	default:
		return fmt.Errorf("unknown method %q", f.method)
	}

	for resp, err := range resps {
		if err != nil {
			return err
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", b)
	}
	return nil
}

func single(resp EchoResponse, err error) iter.Seq2[EchoResponse, error] {
	return func(yield func(EchoResponse, error) bool) {
		yield(resp, err)
	}
}
