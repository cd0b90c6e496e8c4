package utils

import (
	"crypto/sha256"
	"encoding/base64"
)

// HashToken hashes a raw token for storage; refresh tokens are never
// persisted in the clear.
func HashToken(raw string) string {
	hasher := sha256.New()
	hasher.Write([]byte(raw))
	return base64.URLEncoding.EncodeToString(hasher.Sum(nil))
}
