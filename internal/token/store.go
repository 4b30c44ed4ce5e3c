package token

import (
	"context"
	"time"
)

// Store describes persistence operations required by the token lifecycle.
// Implementations must provide at least read-committed isolation and
// row-level locking for the transactional operations below.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Versions(ctx context.Context) VersionStore
}

// UserStore manages the user rows this core reads.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// RefreshTokenStore manages refresh token records. Bulk revocations are
// single set-based statements and return the hashes of the rows they
// touched so callers can feed the blacklist cache.
type RefreshTokenStore interface {
	// CreateStamped reads the owner's min_token_version and the global
	// minimum in the same transaction as the insert and stamps both onto
	// the record. A token is never persisted with versions stale relative
	// to that read.
	CreateStamped(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeOtherByUser(ctx context.Context, userID, keepID string, at time.Time) ([]string, error)
	RevokeAllByUser(ctx context.Context, userID string, at time.Time) ([]string, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*RefreshToken, error)
	// SweepExpiredGrace hard-revokes rows whose grace deadline has passed.
	// Bookkeeping only: the version check rejects those tokens regardless.
	SweepExpiredGrace(ctx context.Context, now time.Time) (int64, error)
}

// UserRotation is the transactional outcome of a per-user version bump.
type UserRotation struct {
	OldVersion    int
	NewVersion    int
	RevokedHashes []string
}

// GlobalRotation is the transactional outcome of a global version bump.
type GlobalRotation struct {
	OldVersion    int
	NewVersion    int
	RevokedCount  int64
	UsersAffected int64
}

// VersionStore manages the per-user and global minimum token versions.
// RotateUser and RotateGlobal hold a row lock on the user row or the
// singleton security_config row for the duration of the transaction, so
// two concurrent rotations can never compute the same new version.
type VersionStore interface {
	UserMinVersion(ctx context.Context, userID string) (int, error)
	SecurityConfig(ctx context.Context) (*SecurityConfig, error)
	// EnsureSecurityConfig creates the singleton row if missing. Idempotent.
	EnsureSecurityConfig(ctx context.Context) error
	// RotateUser computes new = max(current_min, max active token_version)+1,
	// writes it, and bulk-revokes the user's tokens stamped below it, all in
	// one transaction.
	RotateUser(ctx context.Context, userID string, at time.Time) (UserRotation, error)
	// RotateGlobal bumps the global minimum by one and bulk-revokes affected
	// tokens in the same transaction. With a non-zero grace period the rows
	// get a future revoked_at deadline instead of an immediate hard revoke.
	RotateGlobal(ctx context.Context, updatedBy, reason string, grace time.Duration, at time.Time) (GlobalRotation, error)
}

// RevocationCache is the advisory fast-path revocation lookup. It is never
// authoritative: implementations fail open, so a cache outage costs one
// extra store lookup, never a false accept.
type RevocationCache interface {
	IsRevoked(ctx context.Context, tokenHash string) bool
	MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration)
	Forget(ctx context.Context, tokenHash string)
}

// LocationResolver enriches an IP address into a display location. Failures
// degrade to UnknownLocation, never to an error surfaced to the caller.
type LocationResolver interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// UnknownLocation is the placeholder used when enrichment is unavailable.
const UnknownLocation = "Unknown"
