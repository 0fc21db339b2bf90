package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepProbability is the chance that any single Check triggers a sweep of expired entries.
const DefaultSweepProbability = 0.01

// Limit is the fixed-window policy for one action: at most MaxRequests accepted calls per Window.
type Limit struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Valid reports whether the limit can be enforced.
func (l Limit) Valid() bool {
	return l.MaxRequests >= 1 && l.Window > 0
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.MaxRequests, l.Window)
}

// Decision is the outcome of a single Check.
// RetryAfter is in whole seconds, rounded up, and only set when the call was rejected.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	RetryAfter int       `json:"retry_after,omitempty"`
	ResetAt    time.Time `json:"reset_at"`
}

// key identifies one quota. Using a struct instead of a joined string means
// no subject or action value can collide with another pair.
type key struct {
	subject string
	action  string
}

func (k key) String() string { return k.subject + ":" + k.action }

type entry struct {
	count   int
	resetAt time.Time
	// denied is set the first time a call is rejected in this window so the
	// first-denied hook fires once per window, not once per rejected call
	denied bool
}

// Store is a process-local fixed-window counter keyed by (subject, action).
// Every read-check-increment happens under one mutex, sweeps take the same lock.
type Store struct {
	name string

	mu      sync.Mutex
	entries map[key]*entry

	now              func() time.Time
	random           func() float64
	sweepProbability float64
	sweeping         atomic.Bool

	onDecision    func(action string, d Decision)
	onFirstDenied func(subject, action string, d Decision)
	onSweep       func(removed, remaining int)
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces the source used to decide whether a call triggers a sweep.
// fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(s *Store) {
		if fn != nil {
			s.random = fn
		}
	}
}

// WithSweepProbability sets the per-call chance of an inline sweep. 0 disables inline sweeps.
func WithSweepProbability(p float64) Option {
	return func(s *Store) {
		s.sweepProbability = min(max(p, 0), 1)
	}
}

// WithOnDecision is called after every Check, outside the store lock. Used for metrics.
func WithOnDecision(fn func(action string, d Decision)) Option {
	return func(s *Store) {
		s.onDecision = fn
	}
}

// WithOnFirstDenied is called once per key per window, on the first rejected call.
// Intentionally separate from WithOnDecision so callers can log once but count every rejection.
func WithOnFirstDenied(fn func(subject, action string, d Decision)) Option {
	return func(s *Store) {
		s.onFirstDenied = fn
	}
}

// WithOnSweep is called after every sweep with the number of entries removed and left.
func WithOnSweep(fn func(removed, remaining int)) Option {
	return func(s *Store) {
		s.onSweep = fn
	}
}

// New creates an empty store. name identifies it in logs, metrics and the admin API.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:             name,
		entries:          make(map[key]*entry),
		now:              time.Now,
		random:           rand.Float64,
		sweepProbability: DefaultSweepProbability,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Name() string { return s.name }

// Check records a call for (subject, action) under limit and reports whether it may proceed.
//
// An absent or expired entry is replaced with a fresh window anchored at now; unused quota
// and excess from the old window are both discarded. A rejected call does not consume quota
// or move the window. Empty identifiers or an invalid limit are programming errors and panic.
func (s *Store) Check(subject, action string, limit Limit) Decision {
	if subject == "" || action == "" {
		panic("ratelimit: Check requires non-empty subject and action")
	}
	if !limit.Valid() {
		panic(fmt.Sprintf("ratelimit: invalid limit %+v for action %q", limit, action))
	}

	k := key{subject: subject, action: action}

	s.mu.Lock()
	now := s.now()
	e, ok := s.entries[k]
	if !ok || now.After(e.resetAt) {
		e = &entry{resetAt: now.Add(limit.Window)}
		s.entries[k] = e
	}

	var d Decision
	firstDenial := false
	if e.count >= limit.MaxRequests {
		d = Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfterSeconds(e.resetAt.Sub(now)),
			ResetAt:    e.resetAt,
		}
		if !e.denied {
			e.denied = true
			firstDenial = true
		}
	} else {
		e.count++
		d = Decision{
			Allowed:   true,
			Remaining: limit.MaxRequests - e.count,
			ResetAt:   e.resetAt,
		}
	}
	// release before hooks, they may log or touch prometheus
	s.mu.Unlock()

	if firstDenial && s.onFirstDenied != nil {
		s.onFirstDenied(subject, action, d)
	}
	if s.onDecision != nil {
		s.onDecision(action, d)
	}

	s.maybeSweep()
	return d
}

// Allow looks the action up in table and checks it. When the action has no configured
// limit it is unrestricted: ok is false, the decision is allowed and no entry is created.
func (s *Store) Allow(subject, action string, table Table) (d Decision, ok bool) {
	limit, ok := table.Get(action)
	if !ok {
		return Decision{Allowed: true}, false
	}
	return s.Check(subject, action, limit), true
}

// Reset deletes the entry for (subject, action) regardless of expiry.
// Reports whether an entry was present; resetting an absent key is a no-op.
func (s *Store) Reset(subject, action string) bool {
	k := key{subject: subject, action: action}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// Sweep deletes every entry whose window has ended and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.resetAt) {
			delete(s.entries, k)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if s.onSweep != nil {
		s.onSweep(removed, remaining)
	}
	return removed
}

// maybeSweep runs a sweep on its own goroutine with probability sweepProbability.
// At most one inline sweep is in flight per store.
func (s *Store) maybeSweep() {
	if s.sweepProbability <= 0 || s.random() >= s.sweepProbability {
		return
	}
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.sweeping.Store(false)
		s.Sweep()
	}()
}

// Run sweeps on a fixed interval until ctx is cancelled. It bounds how long expired
// entries can linger when traffic is too low for inline sweeps to fire.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of entries held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EntryInfo is a read-only view of one live entry.
type EntryInfo struct {
	Subject string    `json:"subject"`
	Action  string    `json:"action"`
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Entries returns the live (unexpired) entries, optionally only those for action,
// sorted by subject then action.
func (s *Store) Entries(action string) []EntryInfo {
	s.mu.Lock()
	now := s.now()
	out := make([]EntryInfo, 0, len(s.entries))
	for k, e := range s.entries {
		if now.After(e.resetAt) {
			continue
		}
		if action != "" && k.action != action {
			continue
		}
		out = append(out, EntryInfo{
			Subject: k.subject,
			Action:  k.action,
			Count:   e.count,
			ResetAt: e.resetAt,
		})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b EntryInfo) int {
		if c := strings.Compare(a.Subject, b.Subject); c != 0 {
			return c
		}
		return strings.Compare(a.Action, b.Action)
	})
	return out
}

// retryAfterSeconds rounds up so a caller honoring it never retries inside the window.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
