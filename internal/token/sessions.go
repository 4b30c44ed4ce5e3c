package token

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
	"time"

	"tokenforge.org/internal/audit"
	"tokenforge.org/internal/obs"
)

// SessionCatalog presents refresh token records as user-facing sessions:
// listing with location enrichment, targeted revocation with the
// self-revocation guard, and the bulk revoke variants.
type SessionCatalog struct {
	store    Store
	cache    RevocationCache
	geo      LocationResolver
	sink     audit.Sink
	cacheTTL time.Duration
	now      func() time.Time
}

// CatalogOption configures SessionCatalog behavior.
type CatalogOption func(*SessionCatalog)

// WithCatalogCache enables best-effort blacklist writes on revocation.
func WithCatalogCache(cache RevocationCache) CatalogOption {
	return func(c *SessionCatalog) { c.cache = cache }
}

// WithCatalogResolver sets the location enrichment collaborator.
func WithCatalogResolver(geo LocationResolver) CatalogOption {
	return func(c *SessionCatalog) { c.geo = geo }
}

// WithCatalogAudit sets the audit sink receiving revocation events.
func WithCatalogAudit(sink audit.Sink) CatalogOption {
	return func(c *SessionCatalog) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithCatalogClock overrides the time source (useful for tests).
func WithCatalogClock(fn func() time.Time) CatalogOption {
	return func(c *SessionCatalog) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewSessionCatalog constructs a SessionCatalog.
func NewSessionCatalog(store Store, opts ...CatalogOption) *SessionCatalog {
	cat := &SessionCatalog{
		store:    store,
		sink:     audit.LogSink{},
		cacheTTL: defaultBlacklistTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cat)
	}
	return cat
}

// List returns the user's active sessions ordered by last activity,
// newest first, with the current session flagged. Missing locations are
// enriched through the resolver; enrichment failures degrade to
// UnknownLocation, never to an error.
func (c *SessionCatalog) List(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	recs, err := c.store.RefreshTokens(ctx).ListActiveByUser(ctx, userID, c.now().UTC())
	if err != nil {
		return nil, err
	}
	sessions := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, SessionInfo{
			ID:           rec.ID,
			DeviceInfo:   rec.DeviceInfo,
			Location:     c.locate(ctx, rec),
			IPAddress:    rec.IPAddress,
			LastActivity: rec.LastActivity,
			CreatedAt:    rec.IssuedAt,
			IsCurrent:    rec.ID == currentSessionID,
		})
	}
	sort.SliceStable(sessions, func(a, b int) bool {
		return sessions[a].LastActivity.After(sessions[b].LastActivity)
	})
	return sessions, nil
}

// Revoke revokes one session belonging to userID. Revoking the session the
// caller is currently using is forbidden: logout is the dedicated path for
// that. A session that does not exist or belongs to someone else is
// reported uniformly as ErrNotFound.
func (c *SessionCatalog) Revoke(ctx context.Context, userID, sessionID, currentSessionID, actorIP, actorDevice string) error {
	if sessionID == "" {
		return ErrNotFound
	}
	if sessionID == currentSessionID {
		return ErrSelfRevocation
	}
	rec, err := c.store.RefreshTokens(ctx).Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return ErrNotFound
	}
	now := c.now().UTC()
	if err := c.store.RefreshTokens(ctx).Revoke(ctx, sessionID, now); err != nil {
		return err
	}
	c.markRevoked(ctx, rec.TokenHash)
	obs.SessionsRevoked(1)
	_ = c.sink.Emit(ctx, audit.Event{
		Type:       "session.revoked",
		Level:      audit.LevelInfo,
		UserID:     userID,
		SessionID:  sessionID,
		OccurredAt: now,
		Fields: map[string]any{
			"actor_ip":     actorIP,
			"actor_device": actorDevice,
		},
	})
	return nil
}

// RevokeOthers revokes every session of the user except the current one.
func (c *SessionCatalog) RevokeOthers(ctx context.Context, userID, currentSessionID string) (int64, error) {
	now := c.now().UTC()
	hashes, err := c.store.RefreshTokens(ctx).RevokeOtherByUser(ctx, userID, currentSessionID, now)
	if err != nil {
		return 0, err
	}
	c.markAll(ctx, hashes)
	count := int64(len(hashes))
	obs.SessionsRevoked(count)
	_ = c.sink.Emit(ctx, audit.Event{
		Type:       "session.revoked_others",
		Level:      audit.LevelInfo,
		UserID:     userID,
		SessionID:  currentSessionID,
		OccurredAt: now,
		Fields:     map[string]any{"revoked_count": count},
	})
	return count, nil
}

// RevokeAll revokes every session of the user, the current one included.
// Callers treat this as an implicit logout.
func (c *SessionCatalog) RevokeAll(ctx context.Context, userID string) (int64, error) {
	now := c.now().UTC()
	hashes, err := c.store.RefreshTokens(ctx).RevokeAllByUser(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	c.markAll(ctx, hashes)
	count := int64(len(hashes))
	obs.SessionsRevoked(count)
	_ = c.sink.Emit(ctx, audit.Event{
		Type:       "session.revoked_all",
		Level:      audit.LevelWarning,
		UserID:     userID,
		OccurredAt: now,
		Fields:     map[string]any{"revoked_count": count},
	})
	return count, nil
}

// Logout revokes the presented refresh token. Idempotent: logging out an
// already revoked session succeeds. The paired access token stays valid
// until natural expiry.
func (c *SessionCatalog) Logout(ctx context.Context, rawToken string) error {
	id, secret, err := SplitToken(rawToken)
	if err != nil {
		return ErrInvalidToken
	}
	hash := HashSecret(secret)
	rec, err := c.store.RefreshTokens(ctx).FindByHash(ctx, hash)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(rec.ID), []byte(id)) != 1 {
		return ErrInvalidToken
	}
	now := c.now().UTC()
	if !rec.IsRevoked {
		if err := c.store.RefreshTokens(ctx).Revoke(ctx, rec.ID, now); err != nil {
			return err
		}
	}
	c.markRevoked(ctx, hash)
	_ = c.sink.Emit(ctx, audit.Event{
		Type:       "session.logout",
		Level:      audit.LevelInfo,
		UserID:     rec.UserID,
		SessionID:  rec.ID,
		OccurredAt: now,
	})
	return nil
}

// TouchActivity bumps the session's last_activity timestamp. Failures are
// non-fatal to the refresh operation and only logged.
func (c *SessionCatalog) TouchActivity(ctx context.Context, sessionID string) {
	if err := c.store.RefreshTokens(ctx).Touch(ctx, sessionID, c.now().UTC()); err != nil {
		obs.Warn("session activity touch failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

func (c *SessionCatalog) locate(ctx context.Context, rec *RefreshToken) string {
	if strings.TrimSpace(rec.Location) != "" {
		return rec.Location
	}
	if c.geo == nil || strings.TrimSpace(rec.IPAddress) == "" {
		return UnknownLocation
	}
	loc, err := c.geo.Locate(ctx, rec.IPAddress)
	if err != nil || strings.TrimSpace(loc) == "" {
		return UnknownLocation
	}
	return loc
}

func (c *SessionCatalog) markRevoked(ctx context.Context, hash string) {
	if c.cache == nil {
		return
	}
	c.cache.MarkRevoked(ctx, hash, c.cacheTTL)
}

func (c *SessionCatalog) markAll(ctx context.Context, hashes []string) {
	for _, hash := range hashes {
		c.markRevoked(ctx, hash)
	}
}
