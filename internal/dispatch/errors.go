package dispatch

import "errors"

// Configuration errors. These are fatal at startup; no partial run happens.
var (
	ErrNoSenders          = errors.New("dispatch: no senders configured")
	ErrUnknownPolicy      = errors.New("dispatch: unknown selection policy")
	ErrUnknownOverflow    = errors.New("dispatch: unknown overflow strategy")
	ErrDuplicateSender    = errors.New("dispatch: duplicate sender id")
	ErrInvalidRetryBudget = errors.New("dispatch: max attempts must be positive")
	ErrInvalidQueueDepth  = errors.New("dispatch: max queue size must be positive")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable. Unknown errors default to
// retryable: a different sender may still succeed.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
