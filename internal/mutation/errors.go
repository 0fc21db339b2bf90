package mutation

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned when a check is missing its subject or action.
var ErrInvalidRequest = errors.New("mutation: subject and action are required")

// LimitError is returned when a mutation is rejected by its rate limit.
// RetryAfter is in whole seconds.
type LimitError struct {
	Action     string
	RetryAfter int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: try again in %d seconds", e.Action, e.RetryAfter)
}

// IsLimited reports whether err, or anything it wraps, is a *LimitError.
func IsLimited(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// RetryAfter returns the retry hint carried by a *LimitError in err's chain.
func RetryAfter(err error) (int, bool) {
	var le *LimitError
	if !errors.As(err, &le) {
		return 0, false
	}
	return le.RetryAfter, true
}
