package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokenforge.org/internal/blacklist"
)

type staticResolver struct {
	locations map[string]string
	err       error
}

func (r *staticResolver) Locate(_ context.Context, ip string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.locations[ip], nil
}

func issueSession(t *testing.T, iss *Issuer, user *User, meta SessionMetadata) (string, *RefreshToken) {
	t.Helper()
	raw, rec, err := iss.IssueRefresh(context.Background(), user, meta)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	return raw, rec
}

func TestSessionList(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "judy@example.com", "pw", "")

	iss, err := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	_, oldRec := issueSession(t, iss, user, SessionMetadata{DeviceInfo: "laptop", IPAddress: "203.0.113.7"})
	_, curRec := issueSession(t, iss, user, SessionMetadata{DeviceInfo: "phone", IPAddress: "198.51.100.2", Location: "Berlin, DE"})

	// Bump the current session's activity so ordering is deterministic.
	if err := store.RefreshTokens(ctx).Touch(ctx, curRec.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	geo := &staticResolver{locations: map[string]string{"203.0.113.7": "Astana, KZ"}}
	cat := NewSessionCatalog(store, WithCatalogResolver(geo), WithCatalogClock(fixedClock(now.Add(2*time.Minute))))

	sessions, err := cat.List(ctx, user.ID, curRec.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != curRec.ID || !sessions[0].IsCurrent {
		t.Fatalf("most recent session must come first and be current: %+v", sessions[0])
	}
	if sessions[0].Location != "Berlin, DE" {
		t.Fatalf("stored location must win over resolution: %s", sessions[0].Location)
	}
	if sessions[1].ID != oldRec.ID || sessions[1].IsCurrent {
		t.Fatalf("unexpected second session: %+v", sessions[1])
	}
	if sessions[1].Location != "Astana, KZ" {
		t.Fatalf("expected resolved location, got %s", sessions[1].Location)
	}
}

func TestSessionListLocationFallback(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "karl@example.com", "pw", "")
	iss, _ := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	_, rec := issueSession(t, iss, user, SessionMetadata{IPAddress: "192.0.2.9"})

	geo := &staticResolver{err: errors.New("resolver down")}
	cat := NewSessionCatalog(store, WithCatalogResolver(geo), WithCatalogClock(fixedClock(now)))

	sessions, err := cat.List(ctx, user.ID, rec.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if sessions[0].Location != UnknownLocation {
		t.Fatalf("resolver failure must degrade to %q, got %q", UnknownLocation, sessions[0].Location)
	}
}

func TestSessionRevoke(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "lena@example.com", "pw", "")
	other := seedUser(t, store, "mark@example.com", "pw", "")
	iss, _ := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))

	_, current := issueSession(t, iss, user, SessionMetadata{})
	_, target := issueSession(t, iss, user, SessionMetadata{})
	_, foreign := issueSession(t, iss, other, SessionMetadata{})

	cache := newFakeCache()
	sink := &recordSink{}
	cat := NewSessionCatalog(store, WithCatalogCache(cache), WithCatalogAudit(sink), WithCatalogClock(fixedClock(now.Add(time.Minute))))

	if err := cat.Revoke(ctx, user.ID, current.ID, current.ID, "", ""); !errors.Is(err, ErrSelfRevocation) {
		t.Fatalf("expected ErrSelfRevocation, got %v", err)
	}
	if err := cat.Revoke(ctx, user.ID, foreign.ID, current.ID, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign session must look nonexistent, got %v", err)
	}
	if err := cat.Revoke(ctx, user.ID, "no-such-session", current.ID, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := cat.Revoke(ctx, user.ID, target.ID, current.ID, "10.0.0.1", "cli"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, err := store.RefreshTokens(ctx).Find(ctx, target.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.IsRevoked {
		t.Fatalf("expected target revoked")
	}
	if !cache.IsRevoked(ctx, target.TokenHash) {
		t.Fatalf("expected hash in blacklist")
	}
	if ev := sink.last(t); ev.Type != "session.revoked" || ev.SessionID != target.ID {
		t.Fatalf("unexpected audit event: %+v", ev)
	}

	// The foreign session is untouched.
	got, err = store.RefreshTokens(ctx).Find(ctx, foreign.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.IsRevoked {
		t.Fatalf("foreign session must not be affected")
	}
}

func TestSessionRevokeOthersAndAll(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "nina@example.com", "pw", "")
	iss, _ := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))

	_, current := issueSession(t, iss, user, SessionMetadata{})
	issueSession(t, iss, user, SessionMetadata{})
	issueSession(t, iss, user, SessionMetadata{})

	cache := newFakeCache()
	cat := NewSessionCatalog(store, WithCatalogCache(cache), WithCatalogClock(fixedClock(now.Add(time.Minute))))

	count, err := cat.RevokeOthers(ctx, user.ID, current.ID)
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revoked, got %d", count)
	}
	if cache.len() != 2 {
		t.Fatalf("expected 2 blacklist entries, got %d", cache.len())
	}
	cur, err := store.RefreshTokens(ctx).Find(ctx, current.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if cur.IsRevoked {
		t.Fatalf("current session must survive RevokeOthers")
	}

	count, err = cat.RevokeAll(ctx, user.ID)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the remaining session revoked, got %d", count)
	}
	sessions, err := cat.List(ctx, user.ID, current.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}
}

func TestLogoutIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "omar@example.com", "pw", "")
	iss, _ := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	raw, rec := issueSession(t, iss, user, SessionMetadata{})

	cache := newFakeCache()
	cat := NewSessionCatalog(store, WithCatalogCache(cache), WithCatalogClock(fixedClock(now.Add(time.Minute))))

	if err := cat.Logout(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := cat.Logout(ctx, raw); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	got, err := store.RefreshTokens(ctx).Find(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.IsRevoked {
		t.Fatalf("expected session revoked after logout")
	}
	if !cache.IsRevoked(ctx, rec.TokenHash) {
		t.Fatalf("expected hash in blacklist after logout")
	}
	// Logging out again succeeds.
	if err := cat.Logout(ctx, raw); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

// downCache fails every operation, simulating a cache outage.
type downCache struct{}

func (downCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache down")
}

func (downCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache down")
}

func (downCache) Delete(context.Context, string) error {
	return errors.New("cache down")
}

func TestRevokeSucceedsWhenCacheDown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "nora@example.com", "pw", "")
	iss, _ := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	_, curRec := issueSession(t, iss, user, SessionMetadata{})
	otherRaw, otherRec := issueSession(t, iss, user, SessionMetadata{})

	bl := blacklist.New(downCache{})
	cat := NewSessionCatalog(store, WithCatalogCache(bl), WithCatalogClock(fixedClock(now.Add(time.Minute))))

	// The durable revoke succeeds even though every cache write fails.
	if err := cat.Revoke(ctx, user.ID, otherRec.ID, curRec.ID, "", ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// The next validation rejects through the store despite the dead cache.
	val, _ := NewValidator(store, testSecret,
		WithValidatorClock(fixedClock(now.Add(2*time.Minute))),
		WithRevocationCache(bl))
	if _, err := val.ValidateRefresh(ctx, otherRaw); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}
