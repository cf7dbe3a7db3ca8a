// Package errx provides small helpers for attaching context to
// package-level sentinel errors while keeping them matchable with
// errors.Is.
package errx

import "fmt"

// Wrap attaches a cause to a sentinel error. Both the sentinel and the
// cause remain matchable.
func Wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With annotates a sentinel error with formatted context. The format
// string is appended to the sentinel verbatim, so callers control the
// separator; %w verbs are allowed in the format.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
