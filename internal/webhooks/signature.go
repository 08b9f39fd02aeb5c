package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SignatureHeader carries the body signature on outbound requests.
	SignatureHeader = "X-Webhook-Signature"
	// SignaturePrefix identifies the MAC algorithm in SignatureHeader.
	SignaturePrefix = "sha256="
	// SecretPrefix marks generated secrets.
	SecretPrefix = "whsec_"

	secretBytes = 32
)

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats the value sent in SignatureHeader.
func SignatureHeaderValue(secret string, body []byte) string {
	return SignaturePrefix + Sign(secret, body)
}

// Verify checks signature against body. Both "sha256=<hex>" and bare hex
// are accepted; the comparison is constant-time.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// GenerateSecret returns a random URL-safe signing secret prefixed with
// SecretPrefix.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
