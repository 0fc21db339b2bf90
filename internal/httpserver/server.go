// Package httpserver builds and runs the public listener: health probes and
// the JSON API behind the shared middleware stack.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/xerrors"
)

// probePaths are served on the public listener for load balancers. They are
// rate limited per client like any other route, but never traced.
var probePaths = map[string]bool{
	"/healthz":   true,
	"/readyz":    true,
	"/-/healthy": true,
	"/-/ready":   true,
}

// NewHandler builds the public handler. main owns the *http.Server.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(opts.MaxBodyBytes))

	if opts.Health != nil {
		healthz := opts.limit(ActionHealthz)(health.HealthzHandler(opts.Health))
		r.Method(http.MethodGet, "/healthz", healthz)
		r.Method(http.MethodGet, "/-/healthy", healthz)
	}
	if opts.Readiness != nil {
		readyz := opts.limit(ActionReadyz)(health.ReadyzHandler(opts.Readiness))
		r.Method(http.MethodGet, "/readyz", readyz)
		r.Method(http.MethodGet, "/-/ready", readyz)
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	r.NotFound(jsonStatus(http.StatusNotFound))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed))

	// listed outermost first
	return httpmw.Chain(r,
		httpmw.SecurityHeaders,
		recoverMW(opts),
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	)
}

func recoverMW(opts Options) func(http.Handler) http.Handler {
	if !opts.UseRecoverMW {
		return nil
	}
	return httpmw.Recover(opts.Logger, opts.OnPanic)
}

// tracing starts the server span. AnnotateHTTPRoute renames it to the
// route pattern once chi has matched.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !probePaths[r.URL.Path] }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(errorBody{Error: http.StatusText(code)})
	}
}

// Timeouts shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 64 << 10
	DefaultShutdownTimeout   = 5 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (default 8080) and serves in the background.
// The returned stop func drains in-flight requests and is safe to call more
// than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	return Serve(ctx, opts.Logger, "http server", ln, NewServer(addr, NewHandler(opts))), nil
}

// Serve runs srv on ln in a goroutine and returns its idempotent stop func.
func Serve(ctx context.Context, logger log.Logger, name string, ln net.Listener, srv *http.Server) func(context.Context) error {
	go func() {
		logger.Info(ctx, name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, err, name+" error")
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			logger.Info(sctx, name+" shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}
}
