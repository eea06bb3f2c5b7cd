// Package normalize converts the loosely-typed values providers return into
// the canonical representations the store expects: prices become numbers,
// timestamps become time.Time, and over-long identity fields are truncated to
// the canonical maxima.
package normalize

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Canonical field maxima. Providers differ in what they allow; these are the
// generous upper bounds the canonical schema declares.
const (
	MaxPhone  = 50
	MaxBib    = 50
	MaxChip   = 50
	MaxGender = 30
)

// Money parses provider price strings such as "$1,234.50" or "0.00" into a
// numeric amount. Currency symbols and thousands separators are stripped
// before conversion.
func Money(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return v, nil
}

// timeLayouts are the timestamp shapes seen across provider APIs, most
// specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// Time parses a provider timestamp. Empty strings return nil rather than a
// zero time so absent fields stay absent.
func Time(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	// Some providers send epoch seconds as strings.
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", s)
}

// String trims whitespace and collapses empty values to "". Callers treat ""
// as absent.
func String(s string) string {
	return strings.TrimSpace(s)
}

// Truncate enforces a canonical field maximum. Values over the limit are cut
// down and a warning is logged; the row itself is kept.
func Truncate(logger *slog.Logger, field, value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	if logger != nil {
		logger.Warn("truncating over-long field",
			"field", field,
			"length", len(value),
			"max", max)
	}
	return value[:max]
}
