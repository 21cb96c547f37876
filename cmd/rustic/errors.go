package main

import "fmt"

// integrityError marks a failure discovered by check or rebuild: the
// repository's content disagrees with itself, as opposed to a plain
// user or I/O mistake. main maps it to a distinct exit code.
type integrityError struct {
	err error
}

func (e *integrityError) Error() string { return e.err.Error() }
func (e *integrityError) Unwrap() error { return e.err }

func newIntegrityError(format string, args ...any) error {
	return &integrityError{err: fmt.Errorf(format, args...)}
}
