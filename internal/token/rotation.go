package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokenforge.org/internal/audit"
	"tokenforge.org/internal/obs"
)

// defaultBlacklistTTL bounds cache entries written during rotation. Entries
// only need to outlive the longest refresh token lifetime.
const defaultBlacklistTTL = 30 * 24 * time.Hour

// RotationService orchestrates per-user and global token rotation: it asks
// the store for the transactional version bump plus bulk revoke, seeds the
// blacklist cache best-effort, and reports the outcome to the audit sink.
// Both operations are idempotent-safe: repeated calls keep strictly
// increasing the version.
type RotationService struct {
	store    Store
	cache    RevocationCache
	sink     audit.Sink
	cacheTTL time.Duration
	now      func() time.Time
}

// RotationOption configures RotationService behavior.
type RotationOption func(*RotationService)

// WithRotationCache enables best-effort blacklist seeding after rotation.
func WithRotationCache(cache RevocationCache) RotationOption {
	return func(s *RotationService) { s.cache = cache }
}

// WithRotationAudit sets the audit sink receiving rotation events.
func WithRotationAudit(sink audit.Sink) RotationOption {
	return func(s *RotationService) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithRotationClock overrides the time source (useful for tests).
func WithRotationClock(fn func() time.Time) RotationOption {
	return func(s *RotationService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRotationService constructs a RotationService.
func NewRotationService(store Store, opts ...RotationOption) *RotationService {
	svc := &RotationService{
		store:    store,
		sink:     audit.LogSink{},
		cacheTTL: defaultBlacklistTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// RotateUser bumps the user's minimum token version and revokes every
// refresh token stamped below it. The new version is
// max(current_min, max active token_version)+1, so a token issued
// concurrently at the current minimum can never survive the rotation.
func (s *RotationService) RotateUser(ctx context.Context, userID, reason, initiatedBy string) (*RotationResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrNotFound
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("token: rotation reason is required")
	}
	now := s.now().UTC()
	rot, err := s.store.Versions(ctx).RotateUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	s.seedCache(ctx, rot.RevokedHashes)

	result := &RotationResult{
		Scope:        ScopeUser,
		OldVersion:   rot.OldVersion,
		NewVersion:   rot.NewVersion,
		RevokedCount: int64(len(rot.RevokedHashes)),
		Reason:       reason,
		InitiatedBy:  initiatedBy,
		OccurredAt:   now,
	}
	obs.RotationPerformed("user")
	_ = s.sink.Emit(ctx, audit.Event{
		Type:       "token.rotation.user",
		Level:      audit.LevelWarning,
		UserID:     userID,
		Actor:      initiatedBy,
		Reason:     reason,
		OccurredAt: now,
		Fields: map[string]any{
			"old_version":   result.OldVersion,
			"new_version":   result.NewVersion,
			"revoked_count": result.RevokedCount,
		},
	})
	return result, nil
}

// RotateGlobal bumps the system-wide minimum token version. Tokens stamped
// below the new minimum are rejected the instant the transaction commits;
// a non-zero grace period only delays the secondary hard-revoke flag, not
// the effective invalidation.
func (s *RotationService) RotateGlobal(ctx context.Context, reason, initiatedBy string, grace time.Duration) (*RotationResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("token: rotation reason is required")
	}
	if grace < 0 {
		grace = 0
	}
	now := s.now().UTC()
	rot, err := s.store.Versions(ctx).RotateGlobal(ctx, initiatedBy, reason, grace, now)
	if err != nil {
		return nil, err
	}

	result := &RotationResult{
		Scope:              ScopeGlobal,
		OldVersion:         rot.OldVersion,
		NewVersion:         rot.NewVersion,
		RevokedCount:       rot.RevokedCount,
		UsersAffected:      rot.UsersAffected,
		Reason:             reason,
		InitiatedBy:        initiatedBy,
		GracePeriodMinutes: int64(grace / time.Minute),
		OccurredAt:         now,
	}
	obs.RotationPerformed("global")
	_ = s.sink.Emit(ctx, audit.Event{
		Type:       "token.rotation.global",
		Level:      audit.LevelCritical,
		Actor:      initiatedBy,
		Reason:     reason,
		OccurredAt: now,
		Fields: map[string]any{
			"old_version":          result.OldVersion,
			"new_version":          result.NewVersion,
			"revoked_count":        result.RevokedCount,
			"users_affected":       result.UsersAffected,
			"grace_period_minutes": result.GracePeriodMinutes,
		},
	})
	return result, nil
}

// CurrentSecurityConfig returns the singleton global version row.
func (s *RotationService) CurrentSecurityConfig(ctx context.Context) (*SecurityConfig, error) {
	return s.store.Versions(ctx).SecurityConfig(ctx)
}

// seedCache marks revoked hashes in the blacklist. Best effort: the cache
// wrapper swallows failures and the store stays authoritative.
func (s *RotationService) seedCache(ctx context.Context, hashes []string) {
	if s.cache == nil {
		return
	}
	for _, hash := range hashes {
		s.cache.MarkRevoked(ctx, hash, s.cacheTTL)
	}
}
