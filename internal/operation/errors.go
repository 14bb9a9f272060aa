package operation

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout: no response within the per-attempt request timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport: network-level failure or a status other than 200.
	ErrTransport = errors.New("request failed")
	// ErrRetriesExhausted wraps the last attempt's error once retries run out.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// AttemptError describes why one attempt failed.
type AttemptError struct {
	Kind       error // ErrTimeout or ErrTransport
	StatusCode int
	Message    string
}

func (e *AttemptError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: status %d", e.Kind, e.StatusCode)
	default:
		return e.Kind.Error()
	}
}

func (e *AttemptError) Unwrap() error { return e.Kind }

func exhausted(last error, attempts int) error {
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
}
