package webhook

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type jwksServer struct {
	mu     sync.Mutex
	keys   []JWK
	fail   bool
	hits   atomic.Int32
	server *httptest.Server
}

func newJWKSServer(t *testing.T, keys ...JWK) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(KeySet{Keys: s.keys})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *jwksServer) setKeys(keys ...JWK) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func ed25519JWK(t *testing.T, kid string) (JWK, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return JWK{Kty: "OKP", Crv: "Ed25519", Kid: kid, X: base64.RawURLEncoding.EncodeToString(pub)}, priv
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKeySetCache_ServesCachedKeysWithinTTL(t *testing.T) {
	jwk, _ := ed25519JWK(t, "k1")
	srv := newJWKSServer(t, jwk)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := NewKeySetCache(srv.server.URL, time.Second, time.Hour, zap.NewNop(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		keys, err := cache.Ed25519Keys(context.Background())
		require.NoError(t, err)
		require.Len(t, keys, 1)
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.Advance(time.Hour)
	_, err := cache.Ed25519Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestKeySetCache_ServesStaleKeysWhenRefreshFails(t *testing.T) {
	jwk, _ := ed25519JWK(t, "k1")
	srv := newJWKSServer(t, jwk)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := NewKeySetCache(srv.server.URL, time.Second, time.Hour, zap.NewNop(), WithClock(clock.Now))

	_, err := cache.Keys(context.Background())
	require.NoError(t, err)

	srv.setFail(true)
	clock.Advance(2 * time.Hour)

	keys, err := cache.Ed25519Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, int32(2), srv.hits.Load())

	// Within the retry pause the failed endpoint is not hit again.
	_, err = cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestKeySetCache_UnavailableWithoutCachedKeys(t *testing.T) {
	srv := newJWKSServer(t)
	srv.setFail(true)
	cache := NewKeySetCache(srv.server.URL, time.Second, time.Hour, zap.NewNop())

	_, err := cache.Ed25519Keys(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeySetUnavailable))
}

func TestKeySetCache_RSAPublicKeyRefreshesOnUnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaJWK := JWK{
		Kty: "RSA",
		Kid: "rotated",
		N:   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
	}
	oldJWK, _ := ed25519JWK(t, "old")
	srv := newJWKSServer(t, oldJWK)
	cache := NewKeySetCache(srv.server.URL, time.Second, time.Hour, zap.NewNop(), WithRetryPause(0))

	_, err = cache.Keys(context.Background())
	require.NoError(t, err)

	srv.setKeys(oldJWK, rsaJWK)
	key, err := cache.RSAPublicKey(context.Background(), "rotated")
	require.NoError(t, err)
	assert.Equal(t, 0, key.N.Cmp(priv.N))
	assert.Equal(t, priv.E, key.E)

	_, err = cache.RSAPublicKey(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

type stubKeySource struct {
	keys  []ed25519.PublicKey
	err   error
	calls int
}

func (s *stubKeySource) Ed25519Keys(ctx context.Context) ([]ed25519.PublicKey, error) {
	s.calls++
	return s.keys, s.err
}

func signedHeaders(priv ed25519.PrivateKey, requestID string, ts time.Time, body []byte) Headers {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig := ed25519.Sign(priv, []byte(SignedMessage(requestID, timestamp, body)))
	return Headers{
		RequestID: requestID,
		UserID:    "provider-user",
		Timestamp: timestamp,
		Signature: hex.EncodeToString(sig),
	}
}

func newTestVerifier(keys *stubKeySource, now time.Time) *Ed25519Verifier {
	v := NewEd25519Verifier(keys, DefaultTolerance)
	v.SetClock(func() time.Time { return now })
	return v
}

func TestEd25519Verifier_AcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"request_id":"req-1","status":"OK"}`)

	v := newTestVerifier(&stubKeySource{keys: []ed25519.PublicKey{pub}}, now)
	h := signedHeaders(priv, "req-1", now.Add(-30*time.Second), body)
	require.NoError(t, v.Verify(context.Background(), h, body))

	// The same signature in base64url verifies too.
	raw, _ := hex.DecodeString(h.Signature)
	h.Signature = base64.RawURLEncoding.EncodeToString(raw)
	require.NoError(t, v.Verify(context.Background(), h, body))
}

func TestEd25519Verifier_TriesEveryPublishedKey(t *testing.T) {
	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"request_id":"req-2"}`)

	v := newTestVerifier(&stubKeySource{keys: []ed25519.PublicKey{other, pub}}, now)
	require.NoError(t, v.Verify(context.Background(), signedHeaders(priv, "req-2", now, body), body))
}

func TestEd25519Verifier_RejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"request_id":"req-3","status":"OK"}`)
	h := signedHeaders(priv, "req-3", now, body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] ^= 0x01

	v := newTestVerifier(&stubKeySource{keys: []ed25519.PublicKey{pub}}, now)
	err = v.Verify(context.Background(), h, tampered)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
	assert.True(t, errors.Is(err, domain.ErrAuth))
}

func TestEd25519Verifier_RejectsReplayBeforeCrypto(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"request_id":"req-4"}`)

	for _, offset := range []time.Duration{-301 * time.Second, 301 * time.Second} {
		keys := &stubKeySource{keys: []ed25519.PublicKey{pub}}
		v := newTestVerifier(keys, now)
		err := v.Verify(context.Background(), signedHeaders(priv, "req-4", now.Add(offset), body), body)
		assert.True(t, errors.Is(err, ErrTimestampOutOfRange))
		assert.Equal(t, 0, keys.calls)
	}
}

func TestEd25519Verifier_MissingHeaders(t *testing.T) {
	v := newTestVerifier(&stubKeySource{}, time.Now())
	err := v.Verify(context.Background(), Headers{RequestID: "req", Timestamp: "1"}, nil)
	assert.True(t, errors.Is(err, ErrMissingHeaders))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestEd25519Verifier_PropagatesKeySetFailure(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)

	v := newTestVerifier(&stubKeySource{err: ErrKeySetUnavailable}, now)
	err = v.Verify(context.Background(), signedHeaders(priv, "req-5", now, body), body)
	assert.True(t, errors.Is(err, ErrKeySetUnavailable))
}

func TestHeadersFrom_UsesPrefix(t *testing.T) {
	h := http.Header{}
	h.Set("X-Custom-Request-Id", "r")
	h.Set("X-Custom-User-Id", "u")
	h.Set("X-Custom-Timestamp", "1")
	h.Set("X-Custom-Signature", "s")

	got := HeadersFrom(h, "X-Custom")
	assert.Equal(t, Headers{RequestID: "r", UserID: "u", Timestamp: "1", Signature: "s"}, got)
}

const paymentData = `{"orderCode":100001,"amount":100000,"description":"XU100001","accountNumber":"12345678","reference":"FT2301","transactionDateTime":"2024-01-01 10:00:00","currency":"VND","paymentLinkId":"plink","code":"00","desc":"success","counterAccountName":null,"virtualAccountNumber":""}`

func expectedChecksum(key string) string {
	pairs := []string{
		"accountNumber=12345678",
		"amount=100000",
		"code=00",
		"counterAccountName=",
		"currency=VND",
		"desc=success",
		"description=XU100001",
		"orderCode=100001",
		"paymentLinkId=plink",
		"reference=FT2301",
		"transactionDateTime=2024-01-01 10:00:00",
		"virtualAccountNumber=",
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestChecksum_VerifiesSortedFieldSignature(t *testing.T) {
	c := NewChecksum("secret")
	sig := expectedChecksum("secret")

	require.NoError(t, c.VerifyData(json.RawMessage(paymentData), sig))
	require.NoError(t, c.VerifyData(json.RawMessage(paymentData), strings.ToUpper(sig)))
}

func TestChecksum_RejectsTamperedAmount(t *testing.T) {
	c := NewChecksum("secret")
	sig := expectedChecksum("secret")
	tampered := strings.Replace(paymentData, `"amount":100000`, `"amount":150000`, 1)

	err := c.VerifyData(json.RawMessage(tampered), sig)
	assert.True(t, errors.Is(err, ErrInvalidChecksum))

	err = NewChecksum("other").VerifyData(json.RawMessage(paymentData), sig)
	assert.True(t, errors.Is(err, ErrInvalidChecksum))
}

func TestChecksum_MalformedData(t *testing.T) {
	err := NewChecksum("secret").VerifyData(json.RawMessage(`[1,2]`), "00")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestChecksum_SignPaymentLinkFields(t *testing.T) {
	c := NewChecksum("secret")
	got := c.Sign(map[string]string{
		"returnUrl":   "https://app/return",
		"amount":      "100000",
		"orderCode":   "100001",
		"cancelUrl":   "https://app/cancel",
		"description": "XU100001",
	})

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("amount=100000&cancelUrl=https://app/cancel&description=XU100001&orderCode=100001&returnUrl=https://app/return"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), got)
}
