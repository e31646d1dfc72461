// Package invariant reports broken internal invariants.
//
// Builds with the dmadebug tag panic on a violation. Release builds log the
// violation through the supplied hook and carry on.
package invariant

import (
	"errors"
	"fmt"
)

// ErrViolation is wrapped by every error returned from Violation.
var ErrViolation = errors.New("invariant violation")

// Violation panics when built with -tags dmadebug and otherwise returns an
// error wrapping ErrViolation.
func Violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...))
	if Fatal {
		panic(err)
	}
	return err
}
