package sitelink

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex sha256 of a callback token value. Stores key
// tokens by their hash so raw token values never sit in storage.
func HashToken(token string) string {
	hasher := sha256.New()
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}
