// Package correlate issues and consumes the one-time tokens that bind a
// redirect-based provider's inbound callback back to its originating
// session. Consumption is exactly-once: browser back-button replays,
// duplicate deliveries, and forged values all fail the same way.
package correlate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTokenTTL bounds the external redirect round-trip. Deliberately
// shorter than any session TTL.
const DefaultTokenTTL = 5 * time.Minute

func generateTokenValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate callback token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// hashToken mirrors the root package's HashToken so token values are
// stored by digest here as well.
func hashToken(token string) string {
	hasher := sha256.New()
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}
