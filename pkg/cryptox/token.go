// Package cryptox holds the token primitives used for group invite links:
// random token generation and a deterministic slow hash for storage at rest.
package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Token size constants (in bytes before encoding).
const (
	// TokenSize128 provides 128 bits of entropy (22 chars base64url).
	TokenSize128 = 16
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	TokenSize256 = 32
)

// Argon2id parameters for token hashing. Tokens carry far more entropy than
// passwords, so a single pass over 16MiB is enough to make bulk grinding of a
// leaked table impractical.
const (
	hashIterations  = 1
	hashMemory      = 16 * 1024
	hashParallelism = 2
	hashKeyLength   = 32
)

// GenerateToken creates a cryptographically secure random token of the
// specified byte length, returned base64url-encoded without padding.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns a deterministic Argon2id digest of token under an
// application-level salt. Determinism is required because the digest is the
// database lookup key for invite redemption; the salt keeps digests from
// different deployments unlinkable.
func HashToken(token, salt string) string {
	sum := argon2.IDKey(
		[]byte(token),
		[]byte(salt),
		hashIterations,
		hashMemory,
		hashParallelism,
		hashKeyLength,
	)
	return base64.RawURLEncoding.EncodeToString(sum)
}

// VerifyToken reports whether token hashes to encodedHash under salt,
// in constant time over the digest comparison.
func VerifyToken(token, salt, encodedHash string) bool {
	computed := HashToken(token, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(encodedHash)) == 1
}
