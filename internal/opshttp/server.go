package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/httpserver"
	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/xerrors"
)

const DefaultPort = 9000

// NewHandler serves /metrics, health, pprof and admin routes to non-public peers only.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(opts.Logger, opts.OnPanic))
	}
	r.Use(httpmw.RequestID(httpmw.DefaultRequestIDHeader))
	r.Use(httpmw.WithLogger(opts.Logger))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// shadow with 404s when disabled
	if opts.EnablePprof {
		RegisterPprof(r)
	} else {
		r.HandleFunc("/debug/pprof/*", http.NotFound)
	}

	if opts.AdminRoutes != nil {
		r.Group(func(r chi.Router) {
			r.Use(httpmw.AccessLog())
			opts.AdminRoutes(r)
		})
	}

	return requireNonPublicNetwork(opts.Logger, r)
}

// RegisterPprof mounts the runtime profiler under /debug.
func RegisterPprof(r chi.Router) {
	r.Mount("/debug", middleware.Profiler())
}

// Start admin HTTP server. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}
	return httpserver.Serve(ctx, opts.Logger, "ops http server", ln, httpserver.NewServer(addr, NewHandler(opts))), nil
}

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. Forwarded headers are ignored.
func requireNonPublicNetwork(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			logger.Warn(r.Context(), "ops request with unparseable remote addr", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			logger.Warn(r.Context(), "ops request with invalid remote ip", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			logger.Warn(r.Context(), "ops request from public network rejected",
				"network.peer.address", addr.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
