package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/health"
	"github.com/keithlinneman/quotaguard/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // optional, e.g. to increment a prometheus counter

	// AdminRoutes mounts operator endpoints such as rate limit inspection.
	AdminRoutes func(chi.Router)
}
