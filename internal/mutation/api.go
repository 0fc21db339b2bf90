package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/log"
)

// API action names, used as keys into the API limit table.
const (
	ActionCheck    = "mutation_check"
	ActionPolicies = "mutation_policies"
)

// RouteLimiter wraps a route in the limit configured for action.
type RouteLimiter interface {
	Limit(action string) func(http.Handler) http.Handler
}

// API serves the guard over HTTP. Callers name the subject themselves, so it
// belongs on a listener restricted to internal peers.
type API struct {
	guard   *Guard
	limiter RouteLimiter
	logger  log.Logger
}

// NewAPI creates the mutation API. limiter may be nil to leave the routes unlimited.
func NewAPI(guard *Guard, limiter RouteLimiter, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{guard: guard, limiter: limiter, logger: logger}
}

// RegisterRoutes attaches the mutation endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/mutations", func(r chi.Router) {
		r.With(api.limit(ActionCheck)).Post("/check", api.HandleCheck)
		r.With(api.limit(ActionPolicies)).Get("/policies", api.HandlePolicies)
	})
}

func (api *API) limit(action string) func(http.Handler) http.Handler {
	if api.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return api.limiter.Limit(action)
}

type CheckRequest struct {
	SubjectID string `json:"subject_id"`
	Action    string `json:"action"`
}

type CheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int    `json:"remaining"`
	Limited    bool   `json:"limited"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleCheck records one attempt and reports whether the caller may proceed.
func (api *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, CheckResponse{Error: "invalid request body"})
		return
	}
	// exactly one JSON value
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		api.writeJSON(ctx, w, http.StatusBadRequest, CheckResponse{Error: "invalid request body"})
		return
	}

	d, err := api.guard.Check(ctx, req.SubjectID, req.Action)
	var le *LimitError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		api.writeJSON(ctx, w, http.StatusBadRequest, CheckResponse{Error: err.Error()})
	case errors.As(err, &le):
		w.Header().Set("Retry-After", strconv.Itoa(le.RetryAfter))
		api.writeJSON(ctx, w, http.StatusTooManyRequests, CheckResponse{
			Allowed:    false,
			Limited:    true,
			RetryAfter: le.RetryAfter,
			Error:      le.Error(),
		})
	case err != nil:
		api.logger.Error(ctx, err, "mutation check failed", "action", req.Action)
		api.writeJSON(ctx, w, http.StatusInternalServerError, CheckResponse{Error: "internal error"})
	default:
		_, limited := api.guard.Table().Get(req.Action)
		api.writeJSON(ctx, w, http.StatusOK, CheckResponse{
			Allowed:   d.Allowed,
			Remaining: d.Remaining,
			Limited:   limited,
		})
	}
}

type PolicyEntry struct {
	Action        string `json:"action"`
	MaxRequests   int    `json:"max_requests"`
	Window        string `json:"window"`
	WindowSeconds int64  `json:"window_seconds"`
}

type PoliciesResponse struct {
	Policies []PolicyEntry `json:"policies"`
}

// HandlePolicies lists the configured mutation limits in action order.
func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	table := api.guard.Table()
	resp := PoliciesResponse{Policies: make([]PolicyEntry, 0, len(table))}
	for _, action := range table.Actions() {
		l := table[action]
		resp.Policies = append(resp.Policies, PolicyEntry{
			Action:        action,
			MaxRequests:   l.MaxRequests,
			Window:        l.Window.String(),
			WindowSeconds: int64(l.Window.Seconds()),
		})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
