package providers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRedactPII(t *testing.T) {
	in := `{"email":"jane@example.com","phone":"5551234567","name":"Jane"}`
	out := RedactPII(in, 200)
	if strings.Contains(out, "jane@example.com") || strings.Contains(out, "5551234567") {
		t.Errorf("PII survived redaction: %s", out)
	}
}

func TestRedactPII_TruncatesOnRunes(t *testing.T) {
	in := strings.Repeat("å", 10)
	out := RedactPII(in, 5)
	if !utf8.ValidString(out) {
		t.Fatalf("truncation split a rune: %q", out)
	}
	if out != strings.Repeat("å", 5)+"..." {
		t.Errorf("out = %q", out)
	}
}
