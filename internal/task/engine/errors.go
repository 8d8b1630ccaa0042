package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("scheduler stopped")
	ErrNilJob  = errors.New("nil job")

	// ErrResourceExhausted marks a failure the process cannot survive
	// (allocation failure, descriptor exhaustion). Workers never swallow it.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Exhausted wraps err so that IsResourceExhausted reports true.
//
// Example:
//
//	if errors.Is(err, syscall.EMFILE) {
//		return engine.Exhausted(err)
//	}
func Exhausted(err error) error {
	if err == nil {
		return ErrResourceExhausted
	}
	return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
}

// IsResourceExhausted reports whether err (or a recovered panic value)
// signals resource exhaustion.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// panicError converts a recovered value into an error, keeping error values
// intact so errors.Is still sees through them.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
