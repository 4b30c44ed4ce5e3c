package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/auth/login", "/auth/login"},
		{"/auth/sessions", "/auth/sessions"},
		{"/auth/sessions/01ARZ3NDEKTSV4RRFF", "/auth/sessions/:id"},
		{"/auth/sessions/others/revoke", "/auth/sessions/others/revoke"},
		{"/auth/sessions/all/revoke", "/auth/sessions/all/revoke"},
		{"/token-rotation/users/user-42", "/token-rotation/users/:id"},
		{"/token-rotation/global", "/token-rotation/global"},
		{"/token-rotation/security-config", "/token-rotation/security-config"},
		{"/auth/sessions?limit=10", "/auth/sessions"},
		{"/auth/sessions/abc/extra", "/auth/sessions/abc/extra"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
