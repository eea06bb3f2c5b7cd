package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Backoff policy for transient failures: exponential starting at 1s, factor
// 2, capped at 60s, at most 3 attempts. Auth and rate-limit responses are
// never retried here; those belong to the caller and the rate limiter.
const (
	retryInitial  = time.Second
	retryFactor   = 2
	retryMax      = 60 * time.Second
	retryAttempts = 3
)

// Doer matches *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns the HTTP client adapters share: per-call timeout, no
// redirects into auth endpoints.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// DoWithRetry performs req via client, retrying transport errors, timeouts
// and 5xx responses with exponential backoff. The request must have a
// GetBody-able or nil body so it can be replayed.
func DoWithRetry(ctx context.Context, client Doer, req *http.Request, logger *slog.Logger) (*http.Response, error) {
	delay := retryInitial
	var lastErr error

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		resp, err := client.Do(req.Clone(ctx))
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if err != nil {
			lastErr = err
			if !isTransient(err) {
				return nil, err
			}
		} else {
			lastErr = ParseErrorResponse(resp)
			resp.Body.Close()
		}

		if attempt == retryAttempts {
			break
		}
		if logger != nil {
			logger.Warn("retrying request",
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"delay", delay.String(),
				"error", lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
		if delay > retryMax {
			delay = retryMax
		}
	}

	return nil, lastErr
}

// isTransient classifies transport errors worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wrapping a closed connection or DNS hiccup.
	return errors.Is(err, context.DeadlineExceeded)
}
