package observability

import (
	"errors"
	"strings"
	"testing"
)

func TestMaskRedactsCredentials(t *testing.T) {
	tests := []struct {
		in     string
		secret string
	}{
		{in: "ping failed: postgres://app:hunter2@db:5432/rentals", secret: "hunter2"},
		{in: "host=db password=hunter2 sslmode=disable", secret: "hunter2"},
		{in: "Authorization: Bearer sk-abc.def", secret: "sk-abc.def"},
		{in: "request with api_key=abc123", secret: "abc123"},
	}
	for _, tt := range tests {
		got := Mask(tt.in)
		if strings.Contains(got, tt.secret) {
			t.Fatalf("Mask(%q) = %q still contains secret", tt.in, got)
		}
	}
}

func TestMaskErrorNil(t *testing.T) {
	if got := MaskError(nil); got != "" {
		t.Fatalf("MaskError(nil) = %q", got)
	}
	if got := MaskError(errors.New("password=x")); got != "password=***" {
		t.Fatalf("MaskError() = %q", got)
	}
}
