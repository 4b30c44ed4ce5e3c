// Package blacklist provides the advisory revoked-token cache. The cache is
// a performance optimization in front of the durable store and fails open:
// any cache error is treated as "not revoked" and the authoritative store
// check still runs.
package blacklist

import (
	"context"
	"time"

	"tokenforge.org/internal/obs"
)

const keyPrefix = "blacklist:"

// revokedMarker is the value stored for a blacklisted hash. Presence of the
// key is the signal; the value is only for debugging.
const revokedMarker = "revoked"

// Cache is the minimal key/value surface the blacklist needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Blacklist wraps a Cache with the fail-open policy expected by token
// validation. It satisfies the validator's RevocationCache contract.
type Blacklist struct {
	cache Cache
}

// New wraps cache with fail-open semantics.
func New(cache Cache) *Blacklist {
	return &Blacklist{cache: cache}
}

// IsRevoked reports whether the hash is cached as revoked. Errors count as
// not revoked: a cache outage costs one extra store lookup, never a false
// accept and never a refused valid token.
func (b *Blacklist) IsRevoked(ctx context.Context, tokenHash string) bool {
	_, found, err := b.cache.Get(ctx, keyPrefix+tokenHash)
	if err != nil {
		obs.CacheFailure()
		obs.Warn("blacklist lookup failed", map[string]any{"error": err.Error()})
		return false
	}
	return found
}

// MarkRevoked caches the hash as revoked. Best effort: failures are logged
// and swallowed, the store stays authoritative.
func (b *Blacklist) MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := b.cache.Set(ctx, keyPrefix+tokenHash, revokedMarker, ttl); err != nil {
		obs.CacheFailure()
		obs.Warn("blacklist write failed", map[string]any{"error": err.Error()})
	}
}

// Forget drops the hash from the cache. Best effort.
func (b *Blacklist) Forget(ctx context.Context, tokenHash string) {
	if err := b.cache.Delete(ctx, keyPrefix+tokenHash); err != nil {
		obs.CacheFailure()
		obs.Warn("blacklist delete failed", map[string]any{"error": err.Error()})
	}
}
