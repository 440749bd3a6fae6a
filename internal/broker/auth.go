package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/tradeforge/engine/internal/domain"
)

// Credentials holds the app/secret/refresh-token/pin tuple read from the
// environment. TOTPSecret is optional: only brokers requiring a 2FA pin on
// refresh (Fyers/Zerodha-style) need it.
type Credentials struct {
	AppID        string
	SecretID     string
	AccessToken  string
	RefreshToken string
	PIN          string
	TOTPSecret   string
}

// TokenRefresher exchanges a refresh token for a fresh access token. The
// concrete HTTP call is broker-specific; httpclient.go supplies the default
// Fyers-style implementation.
type TokenRefresher interface {
	Refresh(ctx context.Context, creds Credentials) (accessToken string, err error)
}

// AuthManager owns the current access token and refreshes it exactly once
// per 401-equivalent response.
type AuthManager struct {
	mu        sync.Mutex
	creds     Credentials
	refresher TokenRefresher
	cache     *TokenCache
}

// NewAuthManager builds a manager around the given credentials and refresher.
func NewAuthManager(creds Credentials, refresher TokenRefresher) *AuthManager {
	return &AuthManager{creds: creds, refresher: refresher}
}

// UseCache attaches an at-rest token cache. If no live token was supplied
// via env, a still-valid cached token from a previous process is adopted
// instead of burning a refresh exchange on startup.
func (a *AuthManager) UseCache(cache *TokenCache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = cache
	if a.creds.AccessToken != "" && !tokenExpired(a.creds.AccessToken) {
		return
	}
	if cached, err := cache.Load(); err == nil && !tokenExpired(cached) {
		a.creds.AccessToken = cached
	}
}

// AccessToken returns the current token, proactively refreshing if its JWT
// exp claim is at or past expiry.
func (a *AuthManager) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.creds.AccessToken != "" && !tokenExpired(a.creds.AccessToken) {
		return a.creds.AccessToken, nil
	}
	return a.refreshLocked(ctx)
}

// ForceRefresh exchanges the refresh token unconditionally, the retry-once
// path taken after a 401-equivalent broker response.
func (a *AuthManager) ForceRefresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

func (a *AuthManager) refreshLocked(ctx context.Context) (string, error) {
	token, err := a.refresher.Refresh(ctx, a.creds)
	if err != nil {
		return "", domain.NewBrokerError(domain.CodeAuthRefreshFailed, err.Error())
	}
	a.creds.AccessToken = token
	if a.cache != nil {
		// Best-effort: a failed cache write must not fail the refresh.
		_ = a.cache.Save(token)
	}
	return token, nil
}

// tokenExpired parses the unverified exp claim (we don't hold the broker's
// signing key, only a bearer token it issued to us) and reports whether it
// has passed, rather than failing open on a signature we cannot check.
func tokenExpired(token string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !time.Now().Before(exp.Time)
}

// AppIDHash computes the sha256(appID:secretID) hash the Fyers-style
// refresh-token exchange expects as appIdHash.
func AppIDHash(appID, secretID string) string {
	sum := sha256.Sum256([]byte(appID + ":" + secretID))
	return hex.EncodeToString(sum[:])
}

// GenerateTOTP produces the current 2FA pin from the broker-issued TOTP
// secret, used alongside the static PIN on some brokers' refresh flow.
func GenerateTOTP(secret string) (string, error) {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}
