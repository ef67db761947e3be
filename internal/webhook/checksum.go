/**
 * @description
 * Shared-secret checksum used by the payment gateway, both for callbacks it
 * sends us and for the payment-link requests we send it. The checksum is an
 * HMAC-SHA256 over the payload fields rendered as `key=value` pairs, sorted by
 * key and joined with `&`, hex encoded.
 *
 * @notes
 * - Callback fields are decoded with json.Number so amounts are signed exactly
 *   as the gateway rendered them.
 * - null values and the literal strings "null" and "undefined" sign as "".
 */

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/coduy96/taophim-sub000/internal/domain"
)

var ErrInvalidChecksum = domain.NewAuthError("webhook.checksum", "invalid checksum")

// Checksum signs and verifies gateway payloads.
type Checksum struct {
	key []byte
}

func NewChecksum(key string) *Checksum {
	return &Checksum{key: []byte(key)}
}

// Sign returns the hex checksum of the given fields.
func (c *Checksum) Sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignData returns the checksum of a JSON object.
func (c *Checksum) SignData(data json.RawMessage) (string, error) {
	fields, err := flattenData(data)
	if err != nil {
		return "", err
	}
	return c.Sign(fields), nil
}

// VerifyData checks signature against the JSON object data. Malformed data is a
// validation error, a mismatch is ErrInvalidChecksum.
func (c *Checksum) VerifyData(data json.RawMessage, signature string) error {
	expected, err := c.SignData(data)
	if err != nil {
		return domain.NewValidationError("webhook.checksum", "malformed payment data")
	}
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return ErrInvalidChecksum
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(provided, want) {
		return ErrInvalidChecksum
	}
	return nil
}

func flattenData(data json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode data object: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("data object is null")
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := fieldString(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = s
	}
	return fields, nil
}

func fieldString(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		if t == "null" || t == "undefined" {
			return "", nil
		}
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
