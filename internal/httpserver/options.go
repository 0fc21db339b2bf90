package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/httpmw"
	"github.com/keithlinneman/quotaguard/internal/log"
)

// Action names the health routes are limited under in the API table.
const (
	ActionHealthz = "healthz"
	ActionReadyz  = "readyz"
)

// RouteLimiter wraps a route in the limit configured for action.
// *ratelimit.HTTPLimiter satisfies it.
type RouteLimiter interface {
	Limit(action string) func(http.Handler) http.Handler
}

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	// RateLimit guards the health routes; APIRoutes apply their own limits.
	RateLimit    RouteLimiter
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes registers the JSON API on the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes defaults to httpmw.DefaultMaxBody.
	MaxBodyBytes int64
}

func (o Options) limit(action string) func(http.Handler) http.Handler {
	if o.RateLimit == nil {
		return func(h http.Handler) http.Handler { return h }
	}
	return o.RateLimit.Limit(action)
}
