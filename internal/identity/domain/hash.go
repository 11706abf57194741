package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken hashes the raw bearer token using the same strategy as token creation.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
