package httpserver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/ratelimit"
)

// test helpers

func defaultOpts() Options {
	return Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// NewHandler: middleware stack

func TestNewHandler_SecurityHeadersOn404(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing on 404")
	}
	if !strings.Contains(rec.Body.String(), `"error":"Not Found"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(defaultOpts())
	a := doRequest(t, h, http.MethodGet, "/").Header().Get("X-Request-Id")
	b := doRequest(t, h, http.MethodGet, "/").Header().Get("X-Request-Id")
	if len(a) != 32 || a == b {
		t.Fatalf("request ids = %q %q", a, b)
	}
}

func TestNewHandler_HealthRoutes(t *testing.T) {
	var gate health.ShutdownGate
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = gate.Probe()
	h := NewHandler(opts)

	for _, p := range []string{"/healthz", "/-/healthy", "/readyz", "/-/ready"} {
		if rec := doRequest(t, h, http.MethodGet, p); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", p, rec.Code)
		}
	}

	gate.Set("shutting down")
	rec := doRequest(t, h, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("draining readyz = %d %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatal("liveness must not follow the shutdown gate")
	}
}

func TestNewHandler_NilProbesNotRouted(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodGet, "/healthz")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without probes", rec.Code)
	}
}

func TestNewHandler_HealthRateLimited(t *testing.T) {
	store := ratelimit.New("api", ratelimit.WithSweepProbability(0))
	limiter := ratelimit.NewHTTPLimiter(store, ratelimit.NewTable(map[string]ratelimit.Limit{
		ActionHealthz: {MaxRequests: 2, Window: time.Minute},
	}))
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = health.Fixed(true, "")
	opts.RateLimit = limiter
	h := NewHandler(opts)

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	// both paths share the healthz action
	rec := doRequest(t, h, http.MethodGet, "/-/healthy")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("rejections still pass through the outer middleware")
	}

	// readyz has no limit configured
	for i := 0; i < 5; i++ {
		if rec := doRequest(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
			t.Fatalf("readyz status = %d", rec.Code)
		}
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("store entries = %d, want 1 (unconfigured actions create none)", got)
	}
}

func TestNewHandler_RateLimitKeysOnClientIP(t *testing.T) {
	store := ratelimit.New("api", ratelimit.WithSweepProbability(0))
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.ClientIPOpts = httpmw.ClientIPOptions{TrustedHops: 1}
	opts.RateLimit = ratelimit.NewHTTPLimiter(store, ratelimit.NewTable(map[string]ratelimit.Limit{
		ActionHealthz: {MaxRequests: 1, Window: time.Minute},
	}))
	h := NewHandler(opts)

	get := func(xff string) int {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		r.RemoteAddr = "10.0.0.2:5000"
		r.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	if get("203.0.113.1") != http.StatusOK || get("203.0.113.2") != http.StatusOK {
		t.Fatal("distinct clients have independent quotas")
	}
	if get("203.0.113.1") != http.StatusTooManyRequests {
		t.Fatal("repeat client should be limited")
	}
}

func TestNewHandler_APIRoutes(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/v1/echo", func(w http.ResponseWriter, r *http.Request) {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					return
				}
			}
			_, _ = w.Write(b)
		})
	}
	opts.MaxBodyBytes = 8
	h := NewHandler(opts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/echo", strings.NewReader("hi")))
	if rec.Code != http.StatusOK || rec.Body.String() != "hi" {
		t.Fatalf("echo = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/echo", strings.NewReader("way too long")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d", rec.Code)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/v1/echo"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status = %d", rec.Code)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d panics = %d", rec.Code, panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers must wrap the recover middleware")
	}
}

func TestNewHandler_MetricsMW(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.3:1"
	NewHandler(opts).ServeHTTP(httptest.NewRecorder(), r)
	if seen != "198.51.100.3" {
		t.Fatalf("metrics middleware should run after client IP resolution, saw %q", seen)
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/v1/big", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"pad": strings.Repeat("x", 4096)})
		})
	}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/big", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, r)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), "xxxx") {
		t.Fatal("decompressed body mismatch")
	}
}

// NewServer / Start

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":1234", http.NotFoundHandler())
	if srv.Addr != ":1234" || srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("server = %+v", srv)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatal("limits not applied")
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port
	opts.Health = health.Fixed(true, "")

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("live response = %d %v", resp.StatusCode, resp.Header)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := stop(sctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port
	ctx := context.Background()

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
