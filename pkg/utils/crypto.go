package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SHA256Hex returns the full hex-encoded SHA-256 digest of data
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignWebhookPayload computes the GitHub-style HMAC SHA-256 signature
// ("sha256=<hex>") for a webhook payload.
func SignWebhookPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidateWebhookSignature checks a GitHub webhook signature header
// against the shared secret in constant time.
func ValidateWebhookSignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	expected := SignWebhookPayload(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// TruncateHash shortens a hash for display. The genesis sentinel is
// returned unchanged.
func TruncateHash(hash string, length int) string {
	if hash == "genesis" || len(hash) <= length {
		return hash
	}
	return hash[:length]
}
