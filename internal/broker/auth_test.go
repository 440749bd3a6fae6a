package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/config"
)

func TestTokenCache_RoundTrip(t *testing.T) {
	key, err := config.DeriveStorageKey("app-secret", 32)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "token.cache")
	c, err := NewTokenCache(path, key)
	require.NoError(t, err)

	_, err = c.Load()
	require.ErrorIs(t, err, ErrNoCachedToken)

	require.NoError(t, c.Save("tok-abc"))
	got, err := c.Load()
	require.NoError(t, err)
	require.Equal(t, "tok-abc", got)
}

func TestTokenCache_WrongKeyReadsAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.cache")

	key1, err := config.DeriveStorageKey("secret-one", 32)
	require.NoError(t, err)
	c1, err := NewTokenCache(path, key1)
	require.NoError(t, err)
	require.NoError(t, c1.Save("tok-abc"))

	key2, err := config.DeriveStorageKey("secret-two", 32)
	require.NoError(t, err)
	c2, err := NewTokenCache(path, key2)
	require.NoError(t, err)

	_, err = c2.Load()
	require.ErrorIs(t, err, ErrNoCachedToken)
}

type staticRefresher struct {
	token string
	calls int
}

func (r *staticRefresher) Refresh(ctx context.Context, creds Credentials) (string, error) {
	r.calls++
	return r.token, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return s
}

// A valid cached token from a previous process is adopted on startup
// instead of spending a refresh exchange.
func TestUseCache_AdoptsUnexpiredCachedToken(t *testing.T) {
	key, err := config.DeriveStorageKey("app-secret", 32)
	require.NoError(t, err)
	cache, err := NewTokenCache(filepath.Join(t.TempDir(), "token.cache"), key)
	require.NoError(t, err)

	cached := signedToken(t, time.Now().Add(time.Hour))
	require.NoError(t, cache.Save(cached))

	ref := &staticRefresher{token: "fresh"}
	auth := NewAuthManager(Credentials{}, ref)
	auth.UseCache(cache)

	got, err := auth.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, cached, got)
	require.Zero(t, ref.calls, "a valid cached token must not trigger a refresh")
}

// A refresh writes the new token back to the cache for the next process.
func TestForceRefresh_PersistsToCache(t *testing.T) {
	key, err := config.DeriveStorageKey("app-secret", 32)
	require.NoError(t, err)
	cache, err := NewTokenCache(filepath.Join(t.TempDir(), "token.cache"), key)
	require.NoError(t, err)

	fresh := signedToken(t, time.Now().Add(time.Hour))
	auth := NewAuthManager(Credentials{}, &staticRefresher{token: fresh})
	auth.UseCache(cache)

	got, err := auth.ForceRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, got)

	persisted, err := cache.Load()
	require.NoError(t, err)
	require.Equal(t, fresh, persisted)
}

func TestTokenExpired(t *testing.T) {
	require.True(t, tokenExpired("not-a-jwt"))
	require.True(t, tokenExpired(signedToken(t, time.Now().Add(-time.Minute))))
	require.False(t, tokenExpired(signedToken(t, time.Now().Add(time.Hour))))
}
