package http

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/bearlytools/tern/rpc/bridge"
	"github.com/bearlytools/tern/rpc/transport"
)

// Handler is an http.Handler that serves one bridged call per request.
type Handler struct {
	handler transport.CallHandler
	config  *config
	log     *zap.Logger
}

// NewHandler creates an HTTP handler that serves calls with h. The handler can be
// mounted on any HTTP router/mux.
//
// Example:
//
//	srv := server.New()
//	// ... register handlers ...
//	handler := http.NewHandler(srv)
//	httpServer := &http.Server{Addr: ":8080", Handler: handler.H2CHandler()}
//	httpServer.ListenAndServe()
func NewHandler(h transport.CallHandler, opts ...Option) *Handler {
	return &Handler{handler: h, config: newConfig(opts), log: zap.NewNop()}
}

// SetLogger sets the logger for requests that fail before or during a call.
func (h *Handler) SetLogger(l *zap.Logger) {
	if l != nil {
		h.log = l
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Use POST for RPC calls.", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != ContentType {
		http.Error(w, "Unsupported content type. Use "+ContentType, http.StatusUnsupportedMediaType)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported by server", http.StatusInternalServerError)
		return
	}

	// The caller waits for the response headers before it writes its first frame.
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set(ProtocolVersionHeader, ProtocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	trans := &serverTransport{
		reader:     r.Body,
		writer:     w,
		flusher:    flusher,
		localAddr:  localAddr(r),
		remoteAddr: remoteAddr(r),
	}
	// Serve closes the frame channel, and with it trans, before returning.
	err := bridge.Serve(r.Context(), bridge.StreamFrames(trans, h.config.bridge...), h.handler, h.config.bridge...)
	if err != nil {
		h.log.Debug("bridged call failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// H2CHandler returns an http.Handler that also accepts HTTP/2 cleartext, which
// bidirectional calls over plain http URLs need.
func (h *Handler) H2CHandler() http.Handler {
	return h2c.NewHandler(h, &http2.Server{})
}
