package stream

import (
	"errors"
	"fmt"
)

// UnknownTypeError means no handler is registered for the event type. Unknown
// types never become known by retrying, so the consumer dead-letters these
// without touching the retry budget.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no handler registered for event type %q", e.Type)
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks a handler error as non-retryable: the event can never
// succeed and is routed straight to the dead-letter stream.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
