package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenforge.org/internal/audit"
)

// recordSink captures audit events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordSink) Emit(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordSink) last(t *testing.T) audit.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatalf("no audit events recorded")
	}
	return s.events[len(s.events)-1]
}

func TestRotateUserIsolation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	alice := seedUser(t, store, "alice@example.com", "pw", "")
	bob := seedUser(t, store, "bob@example.com", "pw", "")

	iss, err := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	aliceRaw, aliceRec, err := iss.IssueRefresh(ctx, alice, SessionMetadata{})
	if err != nil {
		t.Fatalf("IssueRefresh alice: %v", err)
	}
	bobRaw, _, err := iss.IssueRefresh(ctx, bob, SessionMetadata{})
	if err != nil {
		t.Fatalf("IssueRefresh bob: %v", err)
	}

	cache := newFakeCache()
	sink := &recordSink{}
	svc := NewRotationService(store,
		WithRotationCache(cache),
		WithRotationAudit(sink),
		WithRotationClock(fixedClock(now.Add(time.Minute))))

	res, err := svc.RotateUser(ctx, alice.ID, "suspicious activity", alice.ID)
	if err != nil {
		t.Fatalf("RotateUser: %v", err)
	}
	if res.OldVersion != 1 || res.NewVersion != 2 {
		t.Fatalf("unexpected versions: old=%d new=%d", res.OldVersion, res.NewVersion)
	}
	if res.RevokedCount != 1 {
		t.Fatalf("expected 1 revoked token, got %d", res.RevokedCount)
	}
	if !cache.IsRevoked(ctx, aliceRec.TokenHash) {
		t.Fatalf("expected alice's hash seeded in blacklist")
	}

	val, _ := NewValidator(store, testSecret, WithValidatorClock(fixedClock(now.Add(2*time.Minute))))
	_, err = val.ValidateRefresh(ctx, aliceRaw)
	var stale *VersionStaleError
	if !errors.As(err, &stale) || stale.Scope != StaleUser {
		t.Fatalf("alice's old token must be stale after rotation, got %v", err)
	}
	if _, err := val.ValidateRefresh(ctx, bobRaw); err != nil {
		t.Fatalf("bob's token must survive alice's rotation: %v", err)
	}

	ev := sink.last(t)
	if ev.Type != "token.rotation.user" || ev.UserID != alice.ID || ev.Reason != "suspicious activity" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestRotateUserMonotonic(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "gina@example.com", "pw", "")
	svc := NewRotationService(store, WithRotationClock(fixedClock(now)))

	first, err := svc.RotateUser(ctx, user.ID, "first", user.ID)
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	second, err := svc.RotateUser(ctx, user.ID, "second", user.ID)
	if err != nil {
		t.Fatalf("second rotation: %v", err)
	}
	if first.NewVersion != 2 || second.NewVersion != 3 {
		t.Fatalf("versions must strictly increase: %d then %d", first.NewVersion, second.NewVersion)
	}
	if second.OldVersion != first.NewVersion {
		t.Fatalf("second rotation must start from the first's result")
	}
}

func TestRotateUserValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := seedUser(t, store, "hank@example.com", "pw", "")
	svc := NewRotationService(store)

	if _, err := svc.RotateUser(ctx, "", "reason", "actor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty user id, got %v", err)
	}
	if _, err := svc.RotateUser(ctx, user.ID, "  ", "actor"); err == nil {
		t.Fatalf("expected error for missing reason")
	}
	if _, err := svc.RotateUser(ctx, "no-such-user", "reason", "actor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestRotateGlobal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	alice := seedUser(t, store, "alice@example.com", "pw", "")
	bob := seedUser(t, store, "bob@example.com", "pw", "")

	iss, err := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	aliceRaw, _, err := iss.IssueRefresh(ctx, alice, SessionMetadata{})
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, _, err := iss.IssueRefresh(ctx, bob, SessionMetadata{}); err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	sink := &recordSink{}
	svc := NewRotationService(store, WithRotationAudit(sink), WithRotationClock(fixedClock(now.Add(time.Minute))))

	if _, err := svc.RotateGlobal(ctx, "", "admin", 0); err == nil {
		t.Fatalf("expected error for missing reason")
	}

	res, err := svc.RotateGlobal(ctx, "key compromise", "admin-1", 0)
	if err != nil {
		t.Fatalf("RotateGlobal: %v", err)
	}
	if res.OldVersion != 1 || res.NewVersion != 2 {
		t.Fatalf("unexpected versions: old=%d new=%d", res.OldVersion, res.NewVersion)
	}
	if res.RevokedCount != 2 || res.UsersAffected != 2 {
		t.Fatalf("expected 2 tokens across 2 users, got %d/%d", res.RevokedCount, res.UsersAffected)
	}

	// Zero grace: every pre-rotation token is rejected as stale, not merely
	// flagged revoked.
	val, _ := NewValidator(store, testSecret, WithValidatorClock(fixedClock(now.Add(2*time.Minute))))
	_, err = val.ValidateRefresh(ctx, aliceRaw)
	var stale *VersionStaleError
	if !errors.As(err, &stale) || stale.Scope != StaleGlobal {
		t.Fatalf("pre-rotation token must be globally stale, got %v", err)
	}

	// Tokens issued after the rotation are stamped at the new minimum.
	freshRaw, freshRec, err := iss.IssueRefresh(ctx, alice, SessionMetadata{})
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if freshRec.GlobalVersionAtIssuance != 2 {
		t.Fatalf("fresh token stamped %d, want 2", freshRec.GlobalVersionAtIssuance)
	}
	if _, err := val.ValidateRefresh(ctx, freshRaw); err != nil {
		t.Fatalf("fresh token must validate: %v", err)
	}

	ev := sink.last(t)
	if ev.Type != "token.rotation.global" || ev.Level != audit.LevelCritical || ev.Actor != "admin-1" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}

	cfg, err := svc.CurrentSecurityConfig(ctx)
	if err != nil {
		t.Fatalf("CurrentSecurityConfig: %v", err)
	}
	if cfg.GlobalMinTokenVersion != 2 || cfg.UpdatedBy != "admin-1" || cfg.Reason != "key compromise" {
		t.Fatalf("unexpected security config: %+v", cfg)
	}
}

func TestRotateGlobalGraceSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	user := seedUser(t, store, "iris@example.com", "pw", "")

	iss, err := NewIssuer(store, testSecret, WithIssuerClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	_, rec, err := iss.IssueRefresh(ctx, user, SessionMetadata{})
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	svc := NewRotationService(store, WithRotationClock(fixedClock(now)))
	res, err := svc.RotateGlobal(ctx, "planned rotation", "admin", 30*time.Minute)
	if err != nil {
		t.Fatalf("RotateGlobal: %v", err)
	}
	if res.GracePeriodMinutes != 30 {
		t.Fatalf("unexpected grace minutes: %d", res.GracePeriodMinutes)
	}

	// Within grace the row has a deadline but is not hard-revoked yet.
	got, err := store.RefreshTokens(ctx).Find(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.IsRevoked || got.RevokedAt == nil {
		t.Fatalf("expected deadline without hard revoke, got %+v", got)
	}

	n, err := store.RefreshTokens(ctx).SweepExpiredGrace(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepExpiredGrace: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept row, got %d", n)
	}
	got, err = store.RefreshTokens(ctx).Find(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.IsRevoked {
		t.Fatalf("expected hard revoke after sweep")
	}
}
