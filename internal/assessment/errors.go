package assessment

import (
	"errors"
	"fmt"
)

// ErrServiceExhausted signals that the retry budget is spent. The
// caller decides whether to synthesize a fallback assessment; the
// client never does so on its own.
var ErrServiceExhausted = errors.New("scoring service exhausted retry budget")

// InvalidInputError is a caller fault: the identity context failed
// validation. Never retried, never sent to the network, never
// triggers fallback.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid identity context: %s %s", e.Field, e.Reason)
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}

// ServiceError is a transient provider failure (network error, timeout,
// or 5xx response). Retried per policy.
type ServiceError struct {
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scoring service error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scoring service error: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
