package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// Fingerprint returns a short, non-reversible tag for a key, safe for logs
// and audit records.
func Fingerprint(rawKey string) string {
	if rawKey == "" {
		return ""
	}
	return HashKey(rawKey)[:12]
}
