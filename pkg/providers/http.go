package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/racewire/engine/pkg/infrastructure/httputil"
)

// defaultRetryAfter is used when a 429 carries no Retry-After header.
const defaultRetryAfter = time.Minute

// CheckResponse maps provider HTTP statuses onto the shared error taxonomy.
// Returns nil for success responses; the body is untouched in that case.
func CheckResponse(provider string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return &RateLimitedError{
			Provider:   provider,
			RetryAfter: httputil.RetryAfter(resp, defaultRetryAfter),
		}
	case httputil.IsAuthStatus(resp.StatusCode):
		return &AuthError{Provider: provider, Err: httputil.ParseErrorResponse(resp)}
	case resp.StatusCode >= 400:
		return &NetworkError{Provider: provider, Err: httputil.ParseErrorResponse(resp)}
	}
	return nil
}

// DecodeJSON decodes a provider response body into v. Malformed payloads
// become a ProtocolError carrying a short redacted sample for the log.
func DecodeJSON(provider string, resp *http.Response, v any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &NetworkError{Provider: provider, Err: fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ProtocolError{
			Provider: provider,
			Sample:   RedactPII(string(body), 200),
			Err:      err,
		}
	}
	return nil
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+`)
	digitPattern = regexp.MustCompile(`\d{4,}`)
)

// RedactPII strips email addresses and long digit runs (phones, dobs) from a
// payload sample before it reaches the log, then truncates to max runes.
func RedactPII(s string, max int) string {
	s = emailPattern.ReplaceAllString(s, "<redacted>")
	s = digitPattern.ReplaceAllString(s, "<redacted>")
	if runes := []rune(s); len(runes) > max {
		s = string(runes[:max]) + "..."
	}
	return s
}
