package geo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticLocate(t *testing.T) {
	ctx := context.Background()
	r := NewStatic(map[string]string{"203.0.113.7": "Astana, KZ"})

	cases := []struct {
		ip   string
		want string
	}{
		{"203.0.113.7", "Astana, KZ"},
		{"127.0.0.1", "Local network"},
		{"10.1.2.3", "Local network"},
		{"198.51.100.1", Unknown},
		{"not-an-ip", Unknown},
		{"", Unknown},
	}
	for _, tc := range cases {
		got, err := r.Locate(ctx, tc.ip)
		if err != nil {
			t.Fatalf("Locate(%q): %v", tc.ip, err)
		}
		if got != tc.want {
			t.Fatalf("Locate(%q) = %q, want %q", tc.ip, got, tc.want)
		}
	}
}

type countingResolver struct {
	calls int
	loc   string
	err   error
}

func (r *countingResolver) Locate(context.Context, string) (string, error) {
	r.calls++
	return r.loc, r.err
}

func TestCachedMemoizes(t *testing.T) {
	ctx := context.Background()
	inner := &countingResolver{loc: "Berlin, DE"}
	cached := NewCached(inner, time.Hour)

	for i := 0; i < 3; i++ {
		loc, err := cached.Locate(ctx, "198.51.100.2")
		if err != nil || loc != "Berlin, DE" {
			t.Fatalf("Locate: %q %v", loc, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", inner.calls)
	}
}

func TestCachedExpiry(t *testing.T) {
	ctx := context.Background()
	inner := &countingResolver{loc: "Berlin, DE"}
	cached := NewCached(inner, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	if _, err := cached.Locate(ctx, "198.51.100.2"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := cached.Locate(ctx, "198.51.100.2"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected re-resolution after expiry, got %d calls", inner.calls)
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	inner := &countingResolver{err: errors.New("backend down")}
	cached := NewCached(inner, time.Hour)

	for i := 0; i < 2; i++ {
		if _, err := cached.Locate(ctx, "198.51.100.2"); err == nil {
			t.Fatalf("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("failures must not be cached, got %d calls", inner.calls)
	}
}
