// Package hints labels "soft" errors: outcomes such as "retention disabled" or
// "nothing to prune" that end a step early without being a failure.
//
// A consumer checks IsHint instead of importing every producer's sentinel, so
// the decision "warn or fail?" stays with the caller.
package hints

import (
	"errors"
	"fmt"
)

// Hint is an error that marks a skipped step.
type Hint struct {
	err error
}

func (h *Hint) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}

// IsHint reports that the error is a soft outcome.
func (h *Hint) IsHint() bool { return true }

func (h *Hint) Unwrap() error { return h.err }

// New creates a hint from a message.
func New(msg string) error {
	return &Hint{err: errors.New(msg)}
}

// Newf creates a hint from a format string. %w verbs are honored.
func Newf(format string, args ...any) error {
	return &Hint{err: fmt.Errorf(format, args...)}
}

// Wrap promotes an existing error to a hint. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Hint{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks that err is a hint and matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
