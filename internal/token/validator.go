package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator verifies access tokens (signature and expiry only, no I/O) and
// refresh tokens (cache fast path, then the authoritative store check
// against the current user and global minimum versions).
type Validator struct {
	store  Store
	secret []byte
	issuer string
	cache  RevocationCache
	now    func() time.Time
}

// ValidatorOption configures Validator behavior.
type ValidatorOption func(*Validator) error

// WithRevocationCache enables the fast-path revocation lookup. Optional:
// without it every refresh validation goes straight to the store.
func WithRevocationCache(cache RevocationCache) ValidatorOption {
	return func(v *Validator) error {
		v.cache = cache
		return nil
	}
}

// WithValidatorIssuer pins the expected iss claim.
func WithValidatorIssuer(name string) ValidatorOption {
	return func(v *Validator) error {
		v.issuer = strings.TrimSpace(name)
		return nil
	}
}

// WithValidatorClock overrides the time source (useful for tests).
func WithValidatorClock(fn func() time.Time) ValidatorOption {
	return func(v *Validator) error {
		if fn != nil {
			v.now = fn
		}
		return nil
	}
}

// NewValidator constructs a Validator sharing the issuer's signing secret.
func NewValidator(store Store, secret []byte, opts ...ValidatorOption) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	val := &Validator{
		store:  store,
		secret: secret,
		issuer: "tokenforge",
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(val); err != nil {
			return nil, err
		}
	}
	return val, nil
}

// ValidateAccess verifies signature and expiry. This is the hot path run on
// every request: pure CPU, no storage or cache access, safe to call from
// any number of goroutines.
func (v *Validator) ValidateAccess(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return v.now().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && !strings.EqualFold(claims.Issuer, v.issuer) {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefresh checks the blacklist cache first (fast reject), then
// loads the record by hash and evaluates the full validity invariant:
// stamped at or above both the user's and the global minimum version,
// not revoked, not past a grace deadline, not expired. The version
// comparison runs before the revocation flags: rotation bumps a minimum
// version and hard-revokes the affected rows in the same transaction,
// and the rejection must name the stale version, not the bookkeeping
// flag. A revoked rejection therefore means the token was revoked at
// current versions (logout, session revoke). The store is authoritative:
// a cold or failed cache can never cause a false accept.
func (v *Validator) ValidateRefresh(ctx context.Context, raw string) (*RefreshToken, error) {
	id, secret, err := SplitToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	hash := HashSecret(secret)

	if v.cache != nil && v.cache.IsRevoked(ctx, hash) {
		return nil, ErrRevokedToken
	}

	rec, err := v.store.RefreshTokens(ctx).FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.ID), []byte(id)) != 1 {
		return nil, ErrInvalidToken
	}

	versions := v.store.Versions(ctx)
	userMin, err := versions.UserMinVersion(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if rec.TokenVersion < userMin {
		return nil, &VersionStaleError{Scope: StaleUser}
	}
	cfg, err := versions.SecurityConfig(ctx)
	if err != nil {
		return nil, err
	}
	if rec.GlobalVersionAtIssuance < cfg.GlobalMinTokenVersion {
		return nil, &VersionStaleError{Scope: StaleGlobal}
	}

	now := v.now().UTC()
	if rec.IsRevoked {
		v.markRevoked(ctx, rec, now)
		return nil, ErrRevokedToken
	}
	if rec.RevokedAt != nil && !now.Before(*rec.RevokedAt) {
		v.markRevoked(ctx, rec, now)
		return nil, ErrRevokedToken
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return rec, nil
}

// markRevoked seeds the cache after an authoritative rejection so the next
// lookup for the same hash short-circuits. Best effort.
func (v *Validator) markRevoked(ctx context.Context, rec *RefreshToken, now time.Time) {
	if v.cache == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	v.cache.MarkRevoked(ctx, rec.TokenHash, ttl)
}
