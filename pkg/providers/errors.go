package providers

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the credential is invalid or expired. It is not retryable
// within a run; operators are expected to fix the credential.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitedError signals a provider quota-exhausted response. The adapter
// never sleeps on it; the rate limiter owns pacing.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// NetworkError wraps transport-level failures and timeouts. Transient;
// retried with backoff.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the provider returned an unexpected shape. Sample is a
// short, PII-redacted excerpt of the offending payload for the log.
type ProtocolError struct {
	Provider string
	Sample   string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RowError is a per-record failure (unparseable date, over-long field in
// strict mode). The row is skipped and counted; the sync continues.
type RowError struct {
	Provider string
	RowID    string
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s row %s: %v", e.Provider, e.RowID, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// AsRateLimited extracts a RateLimitedError from an error chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsAuth reports whether err is credential failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
