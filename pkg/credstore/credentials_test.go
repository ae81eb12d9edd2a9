package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/learnlab/pkg/labclient"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nested", "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStore_EmptyState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Token(ctx)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = s.Profile(ctx)
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestStore_SaveLoginAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tok := signedToken(t, time.Now().Add(time.Hour))

	require.NoError(t, s.SaveLogin(ctx, tok, labclient.User{ID: "u1", Username: "ada", Email: "ada@example.com"}))

	got, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	profile, err := s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", profile.Username)

	require.NoError(t, s.SaveProfile(ctx, labclient.User{ID: "u1", Username: "ada.l"}))
	profile, err = s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada.l", profile.Username)

	require.NoError(t, s.Clear(ctx))
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStore_ExpiredToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveLogin(ctx, signedToken(t, exp), labclient.User{ID: "u1"}))

	s.now = func() time.Time { return exp.Add(-time.Minute) }
	_, err := s.Token(ctx)
	require.NoError(t, err)

	s.now = func() time.Time { return exp.Add(time.Minute) }
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrTokenExpired)

	got, ok, err := s.TokenExpiry(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))
}

func TestStore_OpaqueToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveLogin(ctx, "opaque-token", labclient.User{}))
	got, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", got)
}

func TestStore_ReadsFreshAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	a, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SaveLogin(ctx, "tok-1", labclient.User{ID: "u1"}))
	got, err := b.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	require.NoError(t, a.Clear(ctx))
	_, err = b.Token(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStore_SaveLoginRejectsEmptyToken(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.SaveLogin(context.Background(), " ", labclient.User{}), ErrNoToken)
}
