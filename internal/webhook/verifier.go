package webhook

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultHeaderPrefix = "X-Fal-Webhook"
	DefaultTolerance    = 300 * time.Second
)

var (
	ErrMissingHeaders      = domain.NewValidationError("webhook.verify", "missing signature headers")
	ErrInvalidTimestamp    = domain.NewValidationError("webhook.verify", "invalid timestamp header")
	ErrTimestampOutOfRange = domain.NewAuthError("webhook.verify", "timestamp outside the accepted window")
	ErrInvalidSignature    = domain.NewAuthError("webhook.verify", "invalid signature")
)

// Headers are the signature headers a job-provider callback carries.
type Headers struct {
	RequestID string
	UserID    string
	Timestamp string
	Signature string
}

// HeadersFrom reads the signature headers under the given prefix.
func HeadersFrom(h http.Header, prefix string) Headers {
	if prefix == "" {
		prefix = DefaultHeaderPrefix
	}
	return Headers{
		RequestID: strings.TrimSpace(h.Get(prefix + "-Request-Id")),
		UserID:    strings.TrimSpace(h.Get(prefix + "-User-Id")),
		Timestamp: strings.TrimSpace(h.Get(prefix + "-Timestamp")),
		Signature: strings.TrimSpace(h.Get(prefix + "-Signature")),
	}
}

// Ed25519KeySource supplies the candidate verification keys.
type Ed25519KeySource interface {
	Ed25519Keys(ctx context.Context) ([]ed25519.PublicKey, error)
}

// Ed25519Verifier authenticates job-provider callbacks.
type Ed25519Verifier struct {
	keys      Ed25519KeySource
	tolerance time.Duration
	now       func() time.Time
}

func NewEd25519Verifier(keys Ed25519KeySource, tolerance time.Duration) *Ed25519Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Ed25519Verifier{keys: keys, tolerance: tolerance, now: time.Now}
}

// SetClock replaces the verifier's time source.
func (v *Ed25519Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify checks the headers and signature of a callback body. Key set failures
// are returned wrapped in ErrKeySetUnavailable.
func (v *Ed25519Verifier) Verify(ctx context.Context, h Headers, body []byte) error {
	if h.RequestID == "" || h.UserID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrTimestampOutOfRange
	}

	sig, ok := decodeSignature(h.Signature)
	if !ok {
		return ErrInvalidSignature
	}

	keys, err := v.keys.Ed25519Keys(ctx)
	if err != nil {
		return err
	}

	message := SignedMessage(h.RequestID, h.Timestamp, body)
	for _, key := range keys {
		if jwt.SigningMethodEdDSA.Verify(message, sig, key) == nil {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignedMessage builds the string the provider signs.
func SignedMessage(requestID, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return requestID + "." + timestamp + "." + base64.RawURLEncoding.EncodeToString(sum[:])
}

// decodeSignature accepts hex first, then the base64 alphabets.
func decodeSignature(s string) ([]byte, bool) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == ed25519.SignatureSize {
		return b, true
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == ed25519.SignatureSize {
			return b, true
		}
	}
	return nil, false
}
