package mpesa

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Signer computes and checks HMAC-SHA256 signatures over canonical JSON.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the lowercase hex HMAC of the canonical form of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("no webhook secret configured")
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Validate reports whether signature matches payload. It is false when no secret is configured.
func (s *Signer) Validate(payload []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}

	expected, err := s.Sign(payload)
	if err != nil {
		return false
	}

	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

// CanonicalJSON re-encodes payload with sorted object keys, numbers kept verbatim and no HTML escaping.
func CanonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
