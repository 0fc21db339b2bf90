// Package adminhttp exposes limiter state and overrides on the ops listener.
// It must never be mounted on the public listener.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/ratelimit"
)

// Prefix is the path every admin route lives under.
const Prefix = "/-/ratelimit"

// API serves inspection and reset endpoints for a set of named stores.
type API struct {
	stores map[string]*ratelimit.Store
	logger log.Logger
	now    func() time.Time
}

// NewAPI registers each store under its Name().
func NewAPI(logger log.Logger, stores ...*ratelimit.Store) *API {
	if logger == nil {
		logger = log.Nop()
	}
	m := make(map[string]*ratelimit.Store, len(stores))
	for _, s := range stores {
		if s != nil {
			m[s.Name()] = s
		}
	}
	return &API{stores: m, logger: logger, now: time.Now}
}

// Handler returns a router serving only the admin routes.
func (api *API) Handler() http.Handler {
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches the admin endpoints under Prefix.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route(Prefix, func(r chi.Router) {
		r.Get("/", api.HandleStores)
		r.Route("/{store}", func(r chi.Router) {
			r.Get("/", api.HandleEntries)
			r.Post("/reset", api.HandleReset)
			r.Post("/sweep", api.HandleSweep)
		})
	})
}

type StoreSummary struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type StoresResponse struct {
	Stores []StoreSummary `json:"stores"`
}

// HandleStores lists the registered stores with their raw entry counts.
func (api *API) HandleStores(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(api.stores))
	for name := range api.stores {
		names = append(names, name)
	}
	slices.Sort(names)

	resp := StoresResponse{Stores: make([]StoreSummary, 0, len(names))}
	for _, name := range names {
		resp.Stores = append(resp.Stores, StoreSummary{Name: name, Entries: api.stores[name].Len()})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type EntriesResponse struct {
	Store      string                `json:"store"`
	ServerTime time.Time             `json:"server_time"`
	Entries    []ratelimit.EntryInfo `json:"entries"`
}

// HandleEntries lists live entries, optionally filtered by ?action=.
func (api *API) HandleEntries(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, EntriesResponse{
		Store:      store.Name(),
		ServerTime: api.now().UTC(),
		Entries:    store.Entries(r.URL.Query().Get("action")),
	})
}

type ResetResponse struct {
	Deleted bool `json:"deleted"`
}

// HandleReset deletes one (subject, action) entry. Resetting an absent key is not an error.
func (api *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := api.store(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	subject, action := q.Get("subject"), q.Get("action")
	if subject == "" || action == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "subject and action query parameters are required")
		return
	}

	deleted := store.Reset(subject, action)
	log.FromContext(ctx).Info(ctx, "rate limit reset",
		"store", store.Name(),
		"subject", subject,
		"action", action,
		"deleted", deleted,
	)
	api.writeJSON(ctx, w, http.StatusOK, ResetResponse{Deleted: deleted})
}

type SweepResponse struct {
	Removed int `json:"removed"`
}

// HandleSweep runs a synchronous sweep of expired entries.
func (api *API) HandleSweep(w http.ResponseWriter, r *http.Request) {
	store, ok := api.store(w, r)
	if !ok {
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, SweepResponse{Removed: store.Sweep()})
}

func (api *API) store(w http.ResponseWriter, r *http.Request) (*ratelimit.Store, bool) {
	name := chi.URLParam(r, "store")
	s, ok := api.stores[name]
	if !ok {
		api.writeError(r.Context(), w, http.StatusNotFound, "unknown store "+name)
		return nil, false
	}
	return s, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
