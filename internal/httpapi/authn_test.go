package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"  Bearer   abc123  ", "abc123", false},
		{"", "", true},
		{"Basic abc123", "", true},
		{"Bearer ", "", true},
		{"abc123", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/auth/login", "/auth/refresh", "/auth/logout", "/healthz", "/readyz", "/metrics", "/v1/info", "/"}
	for _, p := range public {
		if !isPublicPath(p) {
			t.Fatalf("expected %q public", p)
		}
	}
	private := []string{"/auth/sessions", "/auth/sessions/abc", "/token-rotation/global", "/token-rotation/users/u1", "/token-rotation/security-config"}
	for _, p := range private {
		if isPublicPath(p) {
			t.Fatalf("expected %q protected", p)
		}
	}
}
