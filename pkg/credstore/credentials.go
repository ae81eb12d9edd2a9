package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3leaps/learnlab/pkg/labclient"
)

const (
	keyToken   = "access_token"
	keyProfile = "user_profile"
)

// Store is the credential database. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the credential database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLogin stores the token and profile from a successful login, replacing
// any previous session.
func (s *Store) SaveLogin(ctx context.Context, token string, user labclient.User) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	profile, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save login: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.put(ctx, tx, keyToken, token); err != nil {
		return err
	}
	if err := s.put(ctx, tx, keyProfile, string(profile)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save login: %w", err)
	}
	return nil
}

// SaveProfile replaces the cached profile, keeping the token.
func (s *Store) SaveProfile(ctx context.Context, user labclient.User) error {
	profile, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return s.put(ctx, s.db, keyProfile, string(profile))
}

// Token returns the stored token. It returns ErrNoToken when none is stored
// and ErrTokenExpired when the token is a JWT whose exp claim has passed.
// Tokens that are not JWTs are returned as-is.
func (s *Store) Token(ctx context.Context) (string, error) {
	tok, err := s.get(ctx, keyToken)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	if exp, ok := tokenExpiry(tok); ok && !s.now().Before(exp) {
		return "", ErrTokenExpired
	}
	return tok, nil
}

// Profile returns the cached user profile.
func (s *Store) Profile(ctx context.Context) (*labclient.User, error) {
	raw, err := s.get(ctx, keyProfile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}
	var u labclient.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &u, nil
}

// Clear removes the token and profile (logout).
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name IN (?, ?)`, keyToken, keyProfile)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// TokenExpiry reports the exp claim of the stored token, if it has one.
func (s *Store) TokenExpiry(ctx context.Context) (time.Time, bool, error) {
	tok, err := s.get(ctx, keyToken)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, ErrNoToken
	}
	if err != nil {
		return time.Time{}, false, err
	}
	exp, ok := tokenExpiry(tok)
	return exp, ok, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, db execer, name, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO credentials (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("load %s: %w", name, err)
	}
	return value, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend remains the authority on validity.
func tokenExpiry(tok string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
