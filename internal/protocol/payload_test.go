package protocol

import (
	"errors"
	"testing"
)

func TestExtractContent_Valid(t *testing.T) {
	got, err := ExtractContent([]byte(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hi" {
		t.Errorf("expected %q, got %q", "hi", got)
	}
}

func TestExtractContent_EmptyString(t *testing.T) {
	got, err := ExtractContent([]byte(`{"content":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty content, got %q", got)
	}
}

func TestExtractContent_ExtraFieldsIgnored(t *testing.T) {
	got, err := ExtractContent([]byte(`{"content":"hello","ts":123,"meta":{"x":1}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestExtractContent_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"not json", "plain text"},
		{"truncated", `{"content":"hi`},
		{"array", `["content"]`},
		{"missing field", `{"text":"hi"}`},
		{"null content", `{"content":null}`},
		{"numeric content", `{"content":42}`},
		{"empty payload", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractContent([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected error for %q, got nil", tc.input)
			}
			if !errors.Is(err, ErrMalformedContent) {
				t.Errorf("expected ErrMalformedContent, got %v", err)
			}
		})
	}
}
