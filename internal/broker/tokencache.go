package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
)

// TokenCache persists the current access token across process restarts so a
// restart does not burn a refresh-token exchange (some brokers invalidate
// the previous access token on every exchange). The file holds the token
// sealed with AES-GCM under a key derived from the app secret, not
// plaintext next to the binary.
type TokenCache struct {
	path string
	aead cipher.AEAD
}

// NewTokenCache builds a cache writing to path, sealed with the given
// 16/24/32-byte key (config.DeriveStorageKey supplies it).
func NewTokenCache(path string, key []byte) (*TokenCache, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cache cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cache gcm: %w", err)
	}
	return &TokenCache{path: path, aead: aead}, nil
}

// ErrNoCachedToken is returned by Load when no usable cache file exists.
var ErrNoCachedToken = errors.New("no cached token")

// Load reads and unseals the cached token. A missing, truncated, or
// tampered file reads as ErrNoCachedToken so callers fall through to a
// normal refresh.
func (c *TokenCache) Load() (string, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return "", ErrNoCachedToken
	}
	ns := c.aead.NonceSize()
	if len(raw) <= ns {
		return "", ErrNoCachedToken
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrNoCachedToken
	}
	return string(plain), nil
}

// Save seals and writes the token with a fresh nonce, owner-only permissions.
func (c *TokenCache) Save(token string) error {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("token cache nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(token), nil)
	if err := os.WriteFile(c.path, sealed, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return nil
}
