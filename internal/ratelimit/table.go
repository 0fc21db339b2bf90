package ratelimit

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Table maps action names to their limits. It is built once at startup and
// treated as read-only afterwards, so it is safe to share between goroutines.
type Table map[string]Limit

// NewTable copies m so later changes to m do not leak into the table.
func NewTable(m map[string]Limit) Table {
	return Table(maps.Clone(m))
}

// Get returns the limit for action. ok is false when the action has no limit,
// in which case callers must treat it as unrestricted.
func (t Table) Get(action string) (Limit, bool) {
	l, ok := t[action]
	return l, ok
}

// Actions returns the configured action names in sorted order.
func (t Table) Actions() []string {
	return slices.Sorted(maps.Keys(t))
}

// Validate reports every invalid entry.
func (t Table) Validate() error {
	var errs []error
	for _, action := range t.Actions() {
		if action == "" {
			errs = append(errs, errors.New("empty action name"))
			continue
		}
		l := t[action]
		if l.MaxRequests < 1 {
			errs = append(errs, fmt.Errorf("action %q: max_requests must be >= 1 (got %d)", action, l.MaxRequests))
		}
		if l.Window <= 0 {
			errs = append(errs, fmt.Errorf("action %q: window must be > 0 (got %s)", action, l.Window))
		}
	}
	return errors.Join(errs...)
}
