package content

import (
	"strings"
	"testing"
)

func TestSanitizeStripsMarkup(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{"<script>alert(1)</script>hi", "hi"},
		{"<b>bold</b> text", "bold text"},
		{`<a href="http://evil">link</a>`, "link"},
		{"<img src=x onerror=alert(1)>", ""},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("a perfectly normal message"); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
	if err := Validate(""); err == nil {
		t.Error("empty message accepted")
	}
	if err := Validate(strings.Repeat("x", MaxMessageBytes+1)); err == nil {
		t.Error("oversized message accepted")
	}
	if err := Validate(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("message over character limit accepted")
	}
	if err := Validate(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}
