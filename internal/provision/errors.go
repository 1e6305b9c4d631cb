package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable: the device could not be reached or timed out. Retryable.
	ErrUnavailable = errors.New("provisioning unavailable")
	// ErrRejected: the device refused the request (auth or validation). Retryable with backoff.
	ErrRejected = errors.New("provisioning rejected")
	// ErrInvalidInput: the credential input itself is malformed. Not retryable.
	ErrInvalidInput = errors.New("invalid credential input")
)

type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *Error) Retryable() bool {
	return e.Kind != ErrInvalidInput
}

// Retryable reports whether err may succeed when attempted again later.
// Errors that do not come from this package are treated as transient.
func Retryable(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Retryable()
	}
	return err != nil
}
