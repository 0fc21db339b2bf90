package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/quotaguard/internal/log"
)

const tracerName = "quotaguard/httpmw"

// statusRecorder records what the handler wrote and times the response
// write in its own child span.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx   context.Context
	start time.Time

	writeSpan    trace.Span
	wrote        bool
	writeBlocked time.Duration
	writeErr     error
}

func (sr *statusRecorder) beginWrite() {
	if sr.wrote {
		return
	}
	sr.wrote = true

	if !trace.SpanFromContext(sr.ctx).IsRecording() {
		return
	}
	_, sr.writeSpan = otel.Tracer(tracerName).Start(sr.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(sr.start).Seconds())),
	)
}

func (sr *statusRecorder) endWrite() {
	if sr.writeSpan == nil {
		return
	}
	sr.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", sr.Status()),
		attribute.Int64("http.response.body.size", sr.bytes),
		attribute.Float64("http.server.write.block_seconds", sr.writeBlocked.Seconds()),
	)
	if sr.writeErr != nil {
		sr.writeSpan.RecordError(sr.writeErr)
		sr.writeSpan.SetStatus(codes.Error, sr.writeErr.Error())
	}
	sr.writeSpan.End()
}

// Status is the written status code, 200 when the handler wrote nothing explicit.
func (sr *statusRecorder) Status() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.beginWrite()
	if sr.status == 0 {
		sr.status = code
	}
	t := time.Now()
	sr.ResponseWriter.WriteHeader(code)
	sr.writeBlocked += time.Since(t)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.beginWrite()
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	t := time.Now()
	n, err := sr.ResponseWriter.Write(b)
	sr.writeBlocked += time.Since(t)
	sr.bytes += int64(n)
	if err != nil && sr.writeErr == nil {
		sr.writeErr = err
	}
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpmw: underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// WithLogger stores a request-scoped logger in the context carrying the
// request ID and the resolved client address. It must run after RequestID
// and ClientIPWithOptions.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := requestScheme(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			l := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

// quietPaths are probe endpoints that would otherwise dominate the access log.
var quietPaths = map[string]bool{
	"/healthz":   true,
	"/readyz":    true,
	"/-/healthy": true,
	"/-/ready":   true,
}

// AccessLog writes one line per request using the logger from the context.
// Rate limit headers set by the limiter are included so rejections can be
// traced back to their bucket.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(sr, r)
			sr.endWrite()

			if quietPaths[r.URL.Path] {
				return
			}
			ctx := r.Context()
			kv := []any{
				"http.response.status_code", sr.Status(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sr.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			}
			if rem := sr.Header().Get("X-RateLimit-Remaining"); rem != "" {
				kv = append(kv, "ratelimit.remaining", rem)
			}
			if ra := sr.Header().Get("Retry-After"); ra != "" {
				kv = append(kv, "ratelimit.retry_after", ra)
			}
			log.FromContext(ctx).Info(ctx, "http request", kv...)
		})
	}
}

// requestScheme prefers X-Forwarded-Proto, which ClientIPWithOptions has
// already dropped for untrusted peers.
func requestScheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		switch s := strings.ToLower(strings.TrimSpace(first)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
