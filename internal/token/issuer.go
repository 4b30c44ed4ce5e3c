package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tokenforge.org/internal/ids"
	"tokenforge.org/internal/obs"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour

	// TokenTypeAccess is the type discriminator carried in access claims.
	TokenTypeAccess = "access"
)

// AccessClaims are the JWT claims of an access token. The sid claim binds
// the access token to the refresh session it was minted alongside.
type AccessClaims struct {
	Email     string   `json:"email,omitempty"`
	TokenType string   `json:"type"`
	SessionID string   `json:"sid,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c *AccessClaims) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Pair is the credential set returned on login and rotating refresh.
type Pair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	Session         *RefreshToken
}

// Issuer mints access tokens (stateless, HS256-signed) and refresh tokens
// (opaque, hash-stored). Refresh tokens are stamped with the current user
// and global minimum versions inside the insert transaction.
type Issuer struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) error {
		i.issuer = strings.TrimSpace(name)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
		return nil
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer with the process-wide signing secret.
func NewIssuer(store Store, secret []byte, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	iss := &Issuer{
		store:      store,
		secret:     secret,
		issuer:     "tokenforge",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(iss); err != nil {
			return nil, err
		}
	}
	return iss, nil
}

// AccessTTL reports the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccess signs an access token for the user, bound to sessionID via
// the sid claim. Pure function of input, key and clock: no storage access.
func (i *Issuer) IssueAccess(user *User, sessionID string) (string, time.Time, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	now := i.now().UTC()
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		Email:     user.Email,
		TokenType: TokenTypeAccess,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if role := strings.TrimSpace(strings.ToLower(user.Role)); role != "" {
		claims.Roles = []string{role}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	obs.TokenIssued("access")
	return signed, exp, nil
}

// IssueRefresh generates a 256-bit opaque secret, persists its hash with
// the current versions stamped in, and returns the plaintext token exactly
// once. The plaintext is never retrievable again.
func (i *Issuer) IssueRefresh(ctx context.Context, user *User, meta SessionMetadata) (string, *RefreshToken, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", nil, ErrInvalidToken
	}
	secret, err := generateSecret()
	if err != nil {
		return "", nil, err
	}
	now := i.now().UTC()
	rec := &RefreshToken{
		ID:           ids.New(),
		UserID:       user.ID,
		TokenHash:    HashSecret(secret),
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.refreshTTL),
		LastActivity: now,
		DeviceInfo:   meta.DeviceInfo,
		IPAddress:    meta.IPAddress,
		Location:     meta.Location,
	}
	if err := i.store.RefreshTokens(ctx).CreateStamped(ctx, rec); err != nil {
		return "", nil, err
	}
	obs.TokenIssued("refresh")
	return rec.ID + "." + secret, rec, nil
}

// IssuePair mints a refresh token and an access token bound to it.
func (i *Issuer) IssuePair(ctx context.Context, user *User, meta SessionMetadata) (Pair, error) {
	refresh, rec, err := i.IssueRefresh(ctx, user, meta)
	if err != nil {
		return Pair{}, err
	}
	access, exp, err := i.IssueAccess(user, rec.ID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: exp,
		Session:         rec,
	}, nil
}

// Login verifies credentials and issues a fresh token pair. Credential
// failures are reported uniformly as ErrUnauthorized: the caller cannot
// distinguish an unknown user from a wrong password.
func (i *Issuer) Login(ctx context.Context, email, password string, meta SessionMetadata) (Pair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Pair{}, nil, ErrUnauthorized
	}
	user, err := i.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Pair{}, nil, ErrUnauthorized
		}
		return Pair{}, nil, err
	}
	if user.Status != "active" {
		return Pair{}, nil, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Pair{}, nil, ErrUnauthorized
	}
	pair, err := i.IssuePair(ctx, user, meta)
	if err != nil {
		return Pair{}, nil, err
	}
	return pair, user, nil
}

// HashSecret returns the one-way hash under which a refresh secret is
// stored. The plaintext secret is never persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SplitToken parses the "id.secret" wire form of a refresh token.
func SplitToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[0], parts[1], nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
