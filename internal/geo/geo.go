// Package geo resolves client IP addresses into coarse display locations
// for the session list. Resolution is best effort; callers fall back to a
// placeholder when it fails.
package geo

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

// Unknown is returned when an address cannot be resolved.
const Unknown = "Unknown"

// defaultTTL bounds how long a resolved location is reused. IP geolocation
// data is coarse and slow-moving, so a week is plenty.
const defaultTTL = 7 * 24 * time.Hour

// Resolver maps an IP address to a human-readable location.
type Resolver interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Static resolves from a fixed table, with private and loopback ranges
// reported as local. Useful for development and as the default when no
// external geolocation backend is configured.
type Static struct {
	locations map[string]string
}

// NewStatic builds a table-backed resolver. The table may be nil.
func NewStatic(locations map[string]string) *Static {
	return &Static{locations: locations}
}

func (s *Static) Locate(_ context.Context, ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return Unknown, nil
	}
	if loc, ok := s.locations[ip]; ok {
		return loc, nil
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
			return "Local network", nil
		}
	}
	return Unknown, nil
}

type cacheEntry struct {
	location  string
	expiresAt time.Time
}

// Cached memoizes another resolver's successful answers. Failures are not
// cached so a transient backend outage does not pin Unknown for a week.
type Cached struct {
	inner Resolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCached wraps inner with a memoizing layer. ttl<=0 selects the default.
func NewCached(inner Resolver, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) Locate(ctx context.Context, ip string) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[ip]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.location, nil
	}

	loc, err := c.inner.Locate(ctx, ip)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[ip] = cacheEntry{location: loc, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return loc, nil
}
