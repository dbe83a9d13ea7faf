package http

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/transport"
)

// Dialer implements transport.Dialer by opening one streaming request per call.
type Dialer struct {
	url        *url.URL
	httpClient *http.Client
	config     *config
}

// NewDialer creates a Dialer for rawURL, an http:// or https:// URL of the RPC
// endpoint.
func NewDialer(rawURL string, opts ...Option) (*Dialer, error) {
	cfg := newConfig(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q, use http or https", u.Scheme)
	}
	if _, err := exponential.New(exponential.WithPolicy(cfg.retryPolicy)); err != nil {
		return nil, fmt.Errorf("failed to create backoff: %w", err)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		var rt http.RoundTripper
		if u.Scheme == "https" {
			tlsConfig := cfg.tlsConfig
			if tlsConfig == nil {
				tlsConfig = &tls.Config{}
			}
			rt = &http.Transport{
				TLSClientConfig:    tlsConfig,
				DisableCompression: true,
				ForceAttemptHTTP2:  true,
			}
		} else {
			// h2c: HTTP/2 with prior knowledge over a plain connection.
			rt = &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
				DisableCompression: true,
			}
		}
		httpClient = &http.Client{Transport: rt}
	}

	return &Dialer{url: u, httpClient: httpClient, config: cfg}, nil
}

// Dial opens a call's stream. Failed attempts are retried with backoff up to the
// maximum number of attempts or until ctx ends.
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	backoff, err := exponential.New(exponential.WithPolicy(d.config.retryPolicy))
	if err != nil {
		return nil, err
	}

	var (
		t        *clientTransport
		lastErr  error
		attempts int
	)
	err = backoff.Retry(ctx, func(ctx context.Context, r exponential.Record) error {
		attempts++
		ct, err := d.open(ctx)
		if err != nil {
			lastErr = err
			if attempts >= d.config.maxDialAttempts {
				return exponential.ErrRetryCanceled
			}
			return err
		}
		t = ct
		return nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("http: opening %s failed after %d attempts: %w", d.url, attempts, lastErr)
		}
		return nil, err
	}
	return t, nil
}

// open starts the POST and waits for the response headers. The request outlives
// ctx: the bridge ends it by closing the transport.
func (d *Dialer) open(ctx context.Context) (*clientTransport, error) {
	pr, pw := io.Pipe()
	rctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, d.url.String(), pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(ProtocolVersionHeader, ProtocolVersion)
	for k, v := range d.config.headers {
		req.Header[k] = v
	}

	type result struct {
		resp *http.Response
		err  error
	}
	// Do blocks until the response headers arrive, while the server may be waiting
	// on the request body.
	ch := make(chan result, 1)
	context.Pool(ctx).Submit(ctx, func() {
		resp, err := d.httpClient.Do(req)
		ch <- result{resp: resp, err: err}
	})

	fail := func(err error) (*clientTransport, error) {
		cancel()
		pw.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return fail(fmt.Errorf("failed to connect: %w", r.err))
		}
		if r.resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(r.resp.Body, 1024))
			r.resp.Body.Close()
			return fail(fmt.Errorf("server returned status %d: %s", r.resp.StatusCode, strings.TrimSpace(string(body))))
		}
		return &clientTransport{
			body:   pw,
			resp:   r.resp,
			remote: &httpAddr{network: d.url.Scheme, addr: d.url.Host},
			cancel: cancel,
		}, nil
	}
}

var _ transport.Dialer = (*Dialer)(nil)

// NewClient returns a bridge client that makes every call as a request to rawURL.
func NewClient(rawURL string, opts ...Option) (*bridge.Client, error) {
	d, err := NewDialer(rawURL, opts...)
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(bridge.StreamDialer(d, d.config.bridge...), d.config.bridge...), nil
}
