/**
 * @description
 * A process-wide cache of a provider's published JSON Web Key Set. Keys are
 * refreshed when older than the TTL; when a refresh fails the previous key set
 * keeps being served until a later refresh succeeds. Concurrent refreshes are
 * collapsed into one outbound request.
 *
 * @dependencies
 * - golang.org/x/sync/singleflight: Collapses concurrent refreshes.
 * - go.uber.org/zap: Structured logging for refresh failures.
 */

package webhook

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKeySetUnavailable = errors.New("verification key set unavailable")
	ErrKeyNotFound       = errors.New("verification key not found")
)

// JWK is one entry of a key set. Only the members this service reads are mapped.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	X   string `json:"x,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// KeySet is the JWKS document.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

const (
	defaultKeySetTTL   = time.Hour
	defaultRetryPause  = 30 * time.Second
	maxKeySetBodyBytes = 1 << 20
)

// KeySetCache fetches and caches a JWKS document.
type KeySetCache struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	retryPause time.Duration
	now        func() time.Time
	logger     *zap.Logger
	group      singleflight.Group

	mu          sync.RWMutex
	keys        []JWK
	fetchedAt   time.Time
	lastAttempt time.Time
}

// KeySetOption customises a KeySetCache.
type KeySetOption func(*KeySetCache)

func WithHTTPClient(client *http.Client) KeySetOption {
	return func(c *KeySetCache) { c.client = client }
}

func WithClock(now func() time.Time) KeySetOption {
	return func(c *KeySetCache) { c.now = now }
}

// WithRetryPause sets how long a failed refresh suppresses further attempts.
func WithRetryPause(d time.Duration) KeySetOption {
	return func(c *KeySetCache) { c.retryPause = d }
}

// NewKeySetCache returns a cache for the key set published at url. fetchTimeout
// bounds every outbound request.
func NewKeySetCache(url string, fetchTimeout, ttl time.Duration, logger *zap.Logger, opts ...KeySetOption) *KeySetCache {
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &KeySetCache{
		url:        url,
		client:     &http.Client{Timeout: fetchTimeout},
		ttl:        ttl,
		retryPause: defaultRetryPause,
		now:        time.Now,
		logger:     logger.Named("keyset"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the cached key set, refreshing it when stale.
func (c *KeySetCache) Keys(ctx context.Context) ([]JWK, error) {
	c.mu.RLock()
	keys, fetchedAt, lastAttempt := c.keys, c.fetchedAt, c.lastAttempt
	c.mu.RUnlock()

	now := c.now()
	if len(keys) > 0 && now.Sub(fetchedAt) < c.ttl {
		return keys, nil
	}
	if len(keys) > 0 && now.Sub(lastAttempt) < c.retryPause {
		return keys, nil
	}
	return c.refresh(ctx, keys)
}

// refreshIfAllowed forces a refresh unless one was attempted very recently.
// Used when a token names a key id the cached set does not contain.
func (c *KeySetCache) refreshIfAllowed(ctx context.Context) ([]JWK, error) {
	c.mu.RLock()
	keys, lastAttempt := c.keys, c.lastAttempt
	c.mu.RUnlock()

	if !lastAttempt.IsZero() && c.now().Sub(lastAttempt) < c.retryPause {
		return keys, nil
	}
	return c.refresh(ctx, keys)
}

func (c *KeySetCache) refresh(ctx context.Context, stale []JWK) ([]JWK, error) {
	v, err, _ := c.group.Do("keys", func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if len(stale) > 0 {
			c.logger.Warn("key set refresh failed; serving cached keys", zap.String("url", c.url), zap.Error(err))
			return stale, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	return v.([]JWK), nil
}

func (c *KeySetCache) fetch(ctx context.Context) ([]JWK, error) {
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	// The fetch outlives a cancelled caller so the other waiters still get keys.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	var set KeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBodyBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("key set is empty")
	}

	c.mu.Lock()
	c.keys = set.Keys
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug("key set refreshed", zap.String("url", c.url), zap.Int("keys", len(set.Keys)))
	return set.Keys, nil
}

// Ed25519Keys returns every usable Ed25519 verification key in the set.
func (c *KeySetCache) Ed25519Keys(ctx context.Context) ([]ed25519.PublicKey, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []ed25519.PublicKey
	for _, k := range keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			c.logger.Warn("skipping malformed ed25519 key", zap.String("kid", k.Kid))
			continue
		}
		out = append(out, ed25519.PublicKey(raw))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no Ed25519 keys published", ErrKeySetUnavailable)
	}
	return out, nil
}

// RSAPublicKey returns the RSA key with the given kid, refreshing the set once
// when the kid is unknown (key rotation).
func (c *KeySetCache) RSAPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := findRSA(keys, kid); ok {
		return parseRSAPublicKey(key.N, key.E)
	}

	keys, err = c.refreshIfAllowed(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := findRSA(keys, kid); ok {
		return parseRSAPublicKey(key.N, key.E)
	}
	return nil, fmt.Errorf("%w: kid %s", ErrKeyNotFound, kid)
}

func findRSA(keys []JWK, kid string) (JWK, bool) {
	for _, k := range keys {
		if k.Kty == "RSA" && k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// parseRSAPublicKey parses an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid exponent length")
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
