package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the SHA-256 hex digest of a raw token. Only digests are
// persisted, so a leaked sessions table cannot be replayed.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RandomHex returns n bytes of crypto/rand output as a hex string. It backs
// opaque single-use tokens such as password reset links.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
