package token

import "errors"

var (
	// ErrInvalidToken indicates a malformed token or a signature failure.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrExpiredToken indicates the token is past its expiry.
	ErrExpiredToken = errors.New("token: expired token")
	// ErrRevokedToken indicates the refresh token was revoked.
	ErrRevokedToken = errors.New("token: revoked token")
	// ErrVersionStale indicates the token was stamped below a current
	// minimum version. Match the concrete scope with VersionStaleError.
	ErrVersionStale = errors.New("token: version stale")
	// ErrNotFound is returned uniformly whether the resource is unknown or
	// not owned by the caller, to avoid existence leakage.
	ErrNotFound = errors.New("token: not found")
	// ErrSelfRevocation guards the session the caller is currently using.
	ErrSelfRevocation = errors.New("token: cannot revoke the current session")
	// ErrUnauthorized covers credential failures with no further detail.
	ErrUnauthorized = errors.New("token: unauthorized")
)

// StaleScope names which version check failed.
type StaleScope string

const (
	StaleUser   StaleScope = "user"
	StaleGlobal StaleScope = "global"
)

// VersionStaleError reports a failed dual-version check. The scope is for
// diagnostics only and must not be exposed in attacker-visible responses.
type VersionStaleError struct {
	Scope StaleScope
}

func (e *VersionStaleError) Error() string {
	return "token: version stale (" + string(e.Scope) + ")"
}

func (e *VersionStaleError) Unwrap() error { return ErrVersionStale }

// StorageError wraps a durable-store failure. Always fatal to the
// operation; the enclosing transaction is rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "token: storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err originated in the durable store.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
