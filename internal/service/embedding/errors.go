package embedding

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// TransientError marks a failure the caller may retry: timeouts, transport
// failures, rate limits, and upstream 5xx responses. Anything else from a
// provider is permanent and retrying it cannot help.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyHTTP wraps err as transient for status codes where the upstream
// may recover on its own.
func classifyHTTP(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return Transient(err)
	}
	return err
}
