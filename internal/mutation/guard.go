// Package mutation gates state-changing operations behind the per-user
// mutation rate limits, and exposes the gate over HTTP for backends that
// run their writes elsewhere.
package mutation

import (
	"context"

	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/ratelimit"
)

// Guard checks mutations against the mutation store before they run.
type Guard struct {
	store  *ratelimit.Store
	table  ratelimit.Table
	logger log.Logger
}

func NewGuard(store *ratelimit.Store, table ratelimit.Table, logger log.Logger) *Guard {
	if logger == nil {
		logger = log.Nop()
	}
	return &Guard{store: store, table: table, logger: logger}
}

// Table returns the limits this guard enforces.
func (g *Guard) Table() ratelimit.Table { return g.table }

// Check records an attempt of action by subject. A rejected attempt is reported
// as a *LimitError alongside the decision. Actions without a configured limit
// are always allowed and leave no trace in the store.
func (g *Guard) Check(ctx context.Context, subject, action string) (ratelimit.Decision, error) {
	if subject == "" || action == "" {
		return ratelimit.Decision{}, ErrInvalidRequest
	}

	d, limited := g.store.Allow(subject, action, g.table)
	if !limited {
		g.logger.Debug(ctx, "mutation has no rate limit configured", "action", action)
		return d, nil
	}
	if !d.Allowed {
		return d, &LimitError{Action: action, RetryAfter: d.RetryAfter}
	}
	return d, nil
}

// Do runs fn only if the attempt is allowed. fn's error is returned unchanged.
func (g *Guard) Do(ctx context.Context, subject, action string, fn func(context.Context) error) error {
	if _, err := g.Check(ctx, subject, action); err != nil {
		return err
	}
	return fn(ctx)
}
