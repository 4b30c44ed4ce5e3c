package token

import (
	"context"
	"strings"
	"sync"
	"time"

	"tokenforge.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for development mode and tests. One
// mutex guards everything, which gives the same serialization the SQL
// implementation gets from row locks.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*User
	byEmail  map[string]string
	tokens   map[string]*RefreshToken
	byHash   map[string]string
	security *SecurityConfig
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*RefreshToken),
		byHash:  make(map[string]string),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore { return (*memUserStore)(s) }

func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore {
	return (*memRefreshStore)(s)
}

func (s *MemoryStore) Versions(context.Context) VersionStore { return (*memVersionStore)(s) }

func cloneUser(u *User) *User {
	c := *u
	return &c
}

func cloneToken(t *RefreshToken) *RefreshToken {
	c := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

// User store ----------------------------------------------------------------

type memUserStore MemoryStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.MinTokenVersion < 1 {
		u.MinTokenVersion = 1
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = cloneUser(u)
	s.byEmail[strings.ToLower(u.Email)] = u.ID
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

// Refresh token store --------------------------------------------------------

type memRefreshStore MemoryStore

func (s *memRefreshStore) CreateStamped(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[tok.UserID]
	if !ok {
		return ErrNotFound
	}
	if s.security == nil {
		s.security = &SecurityConfig{GlobalMinTokenVersion: 1, UpdatedAt: time.Now().UTC()}
	}
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	tok.TokenVersion = user.MinTokenVersion
	tok.GlobalVersionAtIssuance = s.security.GlobalMinTokenVersion
	s.tokens[tok.ID] = cloneToken(tok)
	s.byHash[tok.TokenHash] = tok.ID
	return nil
}

func (s *memRefreshStore) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(tok), nil
}

func (s *memRefreshStore) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(s.tokens[id]), nil
}

func (s *memRefreshStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.LastActivity = at
	return nil
}

func (s *memRefreshStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.IsRevoked = true
	tok.RevokedAt = &at
	return nil
}

func (s *memRefreshStore) RevokeOtherByUser(_ context.Context, userID, keepID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	for _, tok := range s.tokens {
		if tok.UserID != userID || tok.ID == keepID || tok.IsRevoked {
			continue
		}
		tok.IsRevoked = true
		t := at
		tok.RevokedAt = &t
		hashes = append(hashes, tok.TokenHash)
	}
	return hashes, nil
}

func (s *memRefreshStore) RevokeAllByUser(_ context.Context, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	for _, tok := range s.tokens {
		if tok.UserID != userID || tok.IsRevoked {
			continue
		}
		tok.IsRevoked = true
		t := at
		tok.RevokedAt = &t
		hashes = append(hashes, tok.TokenHash)
	}
	return hashes, nil
}

func (s *memRefreshStore) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*RefreshToken
	for _, tok := range s.tokens {
		if tok.UserID != userID || tok.IsRevoked {
			continue
		}
		if !now.Before(tok.ExpiresAt) {
			continue
		}
		if tok.RevokedAt != nil && !now.Before(*tok.RevokedAt) {
			continue
		}
		res = append(res, cloneToken(tok))
	}
	return res, nil
}

func (s *memRefreshStore) SweepExpiredGrace(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.tokens {
		if tok.IsRevoked || tok.RevokedAt == nil {
			continue
		}
		if !tok.RevokedAt.After(now) {
			tok.IsRevoked = true
			n++
		}
	}
	return n, nil
}

// Version store ---------------------------------------------------------------

type memVersionStore MemoryStore

func (s *memVersionStore) UserMinVersion(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return u.MinTokenVersion, nil
}

func (s *memVersionStore) SecurityConfig(_ context.Context) (*SecurityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.security == nil {
		return nil, ErrNotFound
	}
	cfg := *s.security
	return &cfg, nil
}

func (s *memVersionStore) EnsureSecurityConfig(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.security == nil {
		s.security = &SecurityConfig{GlobalMinTokenVersion: 1, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (s *memVersionStore) RotateUser(_ context.Context, userID string, at time.Time) (UserRotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return UserRotation{}, ErrNotFound
	}
	next := u.MinTokenVersion
	for _, tok := range s.tokens {
		if tok.UserID == userID && !tok.IsRevoked && tok.TokenVersion > next {
			next = tok.TokenVersion
		}
	}
	old := u.MinTokenVersion
	next++
	u.MinTokenVersion = next
	u.UpdatedAt = at

	var hashes []string
	for _, tok := range s.tokens {
		if tok.UserID != userID || tok.IsRevoked || tok.TokenVersion >= next {
			continue
		}
		tok.IsRevoked = true
		t := at
		tok.RevokedAt = &t
		hashes = append(hashes, tok.TokenHash)
	}
	return UserRotation{OldVersion: old, NewVersion: next, RevokedHashes: hashes}, nil
}

func (s *memVersionStore) RotateGlobal(_ context.Context, updatedBy, reason string, grace time.Duration, at time.Time) (GlobalRotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.security == nil {
		s.security = &SecurityConfig{GlobalMinTokenVersion: 1}
	}
	old := s.security.GlobalMinTokenVersion
	next := old + 1
	s.security.GlobalMinTokenVersion = next
	s.security.UpdatedAt = at
	s.security.UpdatedBy = updatedBy
	s.security.Reason = reason

	users := make(map[string]struct{})
	var affected int64
	for _, tok := range s.tokens {
		if tok.IsRevoked || tok.GlobalVersionAtIssuance >= next {
			continue
		}
		affected++
		users[tok.UserID] = struct{}{}
		if grace <= 0 {
			tok.IsRevoked = true
			t := at
			tok.RevokedAt = &t
		} else if tok.RevokedAt == nil {
			deadline := at.Add(grace)
			tok.RevokedAt = &deadline
		}
	}
	return GlobalRotation{
		OldVersion:    old,
		NewVersion:    next,
		RevokedCount:  affected,
		UsersAffected: int64(len(users)),
	}, nil
}
