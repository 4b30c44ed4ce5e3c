package token

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tokenforge.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. All version-mutating
// operations run in a single transaction with row-level locks, so no
// partial mutation of version counters is ever observable.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pooled PostgreSQL connection using the pgx stdlib driver.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for readiness probes and sinks.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Users(context.Context) UserStore {
	return &pgUserStore{db: s.db}
}

func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &pgRefreshStore{db: s.db}
}

func (s *PGStore) Versions(context.Context) VersionStore {
	return &pgVersionStore{db: s.db}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// User store ----------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, role, status, min_token_version, created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.MinTokenVersion < 1 {
		u.MinTokenVersion = 1
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, status, min_token_version)
		 values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.Status, u.MinTokenVersion,
	)
	return storageErr("create user", err)
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status,
		&u.MinTokenVersion, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("find user", err)
	}
	return &u, nil
}

// Refresh token store --------------------------------------------------------

type pgRefreshStore struct{ db *sql.DB }

const refreshColumns = `id, user_id, token_hash, token_version, global_version_at_issuance,
	issued_at, expires_at, last_activity, device_info, ip_address, location, is_revoked, revoked_at`

func (s *pgRefreshStore) CreateStamped(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin issue", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Share locks keep concurrent issuance parallel while excluding a
	// rotation's exclusive lock: a token can never straddle a version bump.
	var userVersion int
	err = tx.QueryRowContext(ctx,
		`select min_token_version from users where id=$1 for share`, tok.UserID,
	).Scan(&userVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("read user version", err)
	}

	var globalVersion int
	err = tx.QueryRowContext(ctx,
		`select global_min_token_version from security_config where id=1 for share`,
	).Scan(&globalVersion)
	if err != nil {
		return storageErr("read global version", err)
	}

	tok.TokenVersion = userVersion
	tok.GlobalVersionAtIssuance = globalVersion

	_, err = tx.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, token_version, global_version_at_issuance,
		   issued_at, expires_at, last_activity, device_info, ip_address, location)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.TokenVersion, tok.GlobalVersionAtIssuance,
		tok.IssuedAt, tok.ExpiresAt, tok.LastActivity, tok.DeviceInfo, tok.IPAddress, tok.Location,
	)
	if err != nil {
		return storageErr("insert refresh token", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit issue", err)
	}
	return nil
}

func (s *pgRefreshStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where id=$1`, id)
	return scanRefreshToken(row)
}

func (s *pgRefreshStore) FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token_hash=$1`, tokenHash)
	return scanRefreshToken(row)
}

func scanRefreshToken(row *sql.Row) (*RefreshToken, error) {
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.TokenVersion, &tok.GlobalVersionAtIssuance,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.LastActivity, &tok.DeviceInfo, &tok.IPAddress, &tok.Location,
		&tok.IsRevoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("find refresh token", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

func (s *pgRefreshStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set last_activity=$2 where id=$1`, id, at)
	if err != nil {
		return storageErr("touch refresh token", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRefreshStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set is_revoked=true, revoked_at=$2 where id=$1`, id, at)
	if err != nil {
		return storageErr("revoke refresh token", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRefreshStore) RevokeOtherByUser(ctx context.Context, userID, keepID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`update refresh_tokens set is_revoked=true, revoked_at=$3
		 where user_id=$1 and id<>$2 and is_revoked=false
		 returning token_hash`,
		userID, keepID, at)
	if err != nil {
		return nil, storageErr("revoke other sessions", err)
	}
	return collectHashes(rows)
}

func (s *pgRefreshStore) RevokeAllByUser(ctx context.Context, userID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`update refresh_tokens set is_revoked=true, revoked_at=$2
		 where user_id=$1 and is_revoked=false
		 returning token_hash`,
		userID, at)
	if err != nil {
		return nil, storageErr("revoke all sessions", err)
	}
	return collectHashes(rows)
}

func (s *pgRefreshStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+refreshColumns+` from refresh_tokens
		 where user_id=$1 and is_revoked=false and expires_at > $2
		   and (revoked_at is null or revoked_at > $2)
		 order by last_activity desc`,
		userID, now)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var res []*RefreshToken
	for rows.Next() {
		var (
			tok       RefreshToken
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.TokenVersion, &tok.GlobalVersionAtIssuance,
			&tok.IssuedAt, &tok.ExpiresAt, &tok.LastActivity, &tok.DeviceInfo, &tok.IPAddress, &tok.Location,
			&tok.IsRevoked, &revokedAt); err != nil {
			return nil, storageErr("scan session", err)
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			tok.RevokedAt = &t
		}
		res = append(res, &tok)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return res, nil
}

func (s *pgRefreshStore) SweepExpiredGrace(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set is_revoked=true
		 where is_revoked=false and revoked_at is not null and revoked_at <= $1`,
		now)
	if err != nil {
		return 0, storageErr("sweep grace deadlines", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("sweep grace deadlines", err)
	}
	return n, nil
}

func collectHashes(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storageErr("scan revoked hash", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("collect revoked hashes", err)
	}
	return hashes, nil
}

// Version store ---------------------------------------------------------------

type pgVersionStore struct{ db *sql.DB }

func (s *pgVersionStore) UserMinVersion(ctx context.Context, userID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`select min_token_version from users where id=$1`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageErr("read user version", err)
	}
	return v, nil
}

func (s *pgVersionStore) SecurityConfig(ctx context.Context) (*SecurityConfig, error) {
	var (
		cfg       SecurityConfig
		updatedBy sql.NullString
		reason    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select global_min_token_version, updated_at, updated_by, reason from security_config where id=1`,
	).Scan(&cfg.GlobalMinTokenVersion, &cfg.UpdatedAt, &updatedBy, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("read security config", err)
	}
	cfg.UpdatedBy = updatedBy.String
	cfg.Reason = reason.String
	return &cfg, nil
}

func (s *pgVersionStore) EnsureSecurityConfig(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`insert into security_config(id, global_min_token_version) values(1, 1)
		 on conflict (id) do nothing`)
	return storageErr("ensure security config", err)
}

func (s *pgVersionStore) RotateUser(ctx context.Context, userID string, at time.Time) (UserRotation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UserRotation{}, storageErr("begin user rotation", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The exclusive lock serializes concurrent rotations of the same user
	// and excludes concurrent stamped issuance for its duration.
	var current int
	err = tx.QueryRowContext(ctx,
		`select min_token_version from users where id=$1 for update`, userID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRotation{}, ErrNotFound
	}
	if err != nil {
		return UserRotation{}, storageErr("lock user row", err)
	}

	var observedMax int
	err = tx.QueryRowContext(ctx,
		`select coalesce(max(token_version), 0) from refresh_tokens where user_id=$1 and is_revoked=false`,
		userID,
	).Scan(&observedMax)
	if err != nil {
		return UserRotation{}, storageErr("read observed max version", err)
	}

	next := current
	if observedMax > next {
		next = observedMax
	}
	next++

	if _, err := tx.ExecContext(ctx,
		`update users set min_token_version=$2, updated_at=$3 where id=$1`,
		userID, next, at,
	); err != nil {
		return UserRotation{}, storageErr("bump user version", err)
	}

	rows, err := tx.QueryContext(ctx,
		`update refresh_tokens set is_revoked=true, revoked_at=$3
		 where user_id=$1 and token_version < $2 and is_revoked=false
		 returning token_hash`,
		userID, next, at)
	if err != nil {
		return UserRotation{}, storageErr("bulk revoke user tokens", err)
	}
	hashes, err := collectHashes(rows)
	if err != nil {
		return UserRotation{}, err
	}

	if err := tx.Commit(); err != nil {
		return UserRotation{}, storageErr("commit user rotation", err)
	}
	return UserRotation{OldVersion: current, NewVersion: next, RevokedHashes: hashes}, nil
}

func (s *pgVersionStore) RotateGlobal(ctx context.Context, updatedBy, reason string, grace time.Duration, at time.Time) (GlobalRotation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GlobalRotation{}, storageErr("begin global rotation", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx,
		`select global_min_token_version from security_config where id=1 for update`,
	).Scan(&current)
	if err != nil {
		return GlobalRotation{}, storageErr("lock security config", err)
	}
	next := current + 1

	if _, err := tx.ExecContext(ctx,
		`update security_config set global_min_token_version=$1, updated_at=$2, updated_by=$3, reason=$4 where id=1`,
		next, at, updatedBy, reason,
	); err != nil {
		return GlobalRotation{}, storageErr("bump global version", err)
	}

	var affected, users int64
	err = tx.QueryRowContext(ctx,
		`select count(*), count(distinct user_id) from refresh_tokens
		 where global_version_at_issuance < $1 and is_revoked=false`,
		next,
	).Scan(&affected, &users)
	if err != nil {
		return GlobalRotation{}, storageErr("count affected tokens", err)
	}

	if grace <= 0 {
		_, err = tx.ExecContext(ctx,
			`update refresh_tokens set is_revoked=true, revoked_at=$2
			 where global_version_at_issuance < $1 and is_revoked=false`,
			next, at)
	} else {
		// Soft deadline: the version check already rejects these tokens;
		// the sweep hard-revokes them once the deadline passes.
		_, err = tx.ExecContext(ctx,
			`update refresh_tokens set revoked_at=$2
			 where global_version_at_issuance < $1 and is_revoked=false and revoked_at is null`,
			next, at.Add(grace))
	}
	if err != nil {
		return GlobalRotation{}, storageErr("bulk revoke affected tokens", err)
	}

	if err := tx.Commit(); err != nil {
		return GlobalRotation{}, storageErr("commit global rotation", err)
	}
	return GlobalRotation{
		OldVersion:    current,
		NewVersion:    next,
		RevokedCount:  affected,
		UsersAffected: users,
	}, nil
}
