package token

import "time"

// User is the external identity this core references. Only the fields the
// token lifecycle needs are modelled here; identity management itself lives
// outside this service.
type User struct {
	ID              string
	Email           string
	PasswordHash    string
	Role            string
	Status          string
	MinTokenVersion int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SecurityConfig is the process-wide singleton row holding the global
// minimum token version. Created once at first boot, mutated only by
// global rotation, never deleted.
type SecurityConfig struct {
	GlobalMinTokenVersion int
	UpdatedAt             time.Time
	UpdatedBy             string
	Reason                string
}

// RefreshToken is a persisted refresh token record. Its id doubles as the
// session id. TokenVersion and GlobalVersionAtIssuance are snapshots taken
// at issuance and never change afterwards.
type RefreshToken struct {
	ID                      string
	UserID                  string
	TokenHash               string
	TokenVersion            int
	GlobalVersionAtIssuance int
	IssuedAt                time.Time
	ExpiresAt               time.Time
	LastActivity            time.Time
	DeviceInfo              string
	IPAddress               string
	Location                string
	IsRevoked               bool
	RevokedAt               *time.Time
}

// SessionMetadata carries the client context captured at issuance.
type SessionMetadata struct {
	DeviceInfo string
	IPAddress  string
	Location   string
}

// SessionInfo is the user-facing projection of a refresh token record.
type SessionInfo struct {
	ID           string    `json:"id"`
	DeviceInfo   string    `json:"device_info"`
	Location     string    `json:"location"`
	IPAddress    string    `json:"ip_address"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	IsCurrent    bool      `json:"is_current"`
}

// RotationScope distinguishes per-user from system-wide rotation.
type RotationScope string

const (
	ScopeUser   RotationScope = "USER"
	ScopeGlobal RotationScope = "GLOBAL"
)

// RotationResult summarizes a completed rotation for the caller and the
// audit sink.
type RotationResult struct {
	Scope              RotationScope `json:"rotation_type"`
	OldVersion         int           `json:"old_version"`
	NewVersion         int           `json:"new_version"`
	RevokedCount       int64         `json:"revoked_count"`
	UsersAffected      int64         `json:"users_affected,omitempty"`
	Reason             string        `json:"reason"`
	InitiatedBy        string        `json:"initiated_by,omitempty"`
	GracePeriodMinutes int64         `json:"grace_period_minutes"`
	OccurredAt         time.Time     `json:"occurred_at"`
}
