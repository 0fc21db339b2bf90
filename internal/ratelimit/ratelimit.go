package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/log"
)

// unknownSubject is used when no client IP was resolved, all such requests share one quota
const unknownSubject = "unknown"

// HTTPLimiter enforces a Store + Table on HTTP endpoints, one action per route.
// The subject defaults to the client IP resolved by httpmw.ClientIP.
type HTTPLimiter struct {
	store   *Store
	table   Table
	subject func(*http.Request) string

	// throttles the aggregate "rejecting requests" warning so a flood does not flood the logs too
	warn rate.Sometimes

	// OnRejected is called on every rejected request, after the 429 is written
	OnRejected func(r *http.Request, action string, d Decision)
}

type HTTPOption func(*HTTPLimiter)

// WithSubjectFunc overrides how the quota subject is derived from a request.
func WithSubjectFunc(fn func(*http.Request) string) HTTPOption {
	return func(l *HTTPLimiter) {
		if fn != nil {
			l.subject = fn
		}
	}
}

// WithOnRejected sets a callback for every rejected request.
func WithOnRejected(fn func(r *http.Request, action string, d Decision)) HTTPOption {
	return func(l *HTTPLimiter) {
		l.OnRejected = fn
	}
}

// WithWarnInterval sets the minimum spacing between aggregate rejection warnings.
func WithWarnInterval(d time.Duration) HTTPOption {
	return func(l *HTTPLimiter) {
		l.warn = rate.Sometimes{First: 1, Interval: d}
	}
}

func NewHTTPLimiter(store *Store, table Table, opts ...HTTPOption) *HTTPLimiter {
	l := &HTTPLimiter{
		store:   store,
		table:   table,
		subject: clientIPSubject,
		warn:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func clientIPSubject(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return unknownSubject
}

type rejectedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// Limit returns middleware that rejects requests over the limit for action with 429.
// If action has no configured limit the middleware is a pass-through.
func (l *HTTPLimiter) Limit(action string) func(http.Handler) http.Handler {
	limit, ok := l.table.Get(action)
	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.store.Check(l.subject(r), action, limit)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			l.warn.Do(func() {
				log.FromContext(ctx).Warn(ctx, "rejecting requests over rate limit",
					"store", l.store.Name(),
					"action", action,
					"limit", limit.String(),
				)
			})

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejectedBody{
				Error:      "too many requests",
				RetryAfter: d.RetryAfter,
			})

			if l.OnRejected != nil {
				l.OnRejected(r, action, d)
			}
		})
	}
}
