// Package digest computes the content identity of canonical payloads.
// The algorithm is fixed to SHA-256 and rendered as 64 lowercase hex
// characters; digests are persisted and compared across processes, so the
// encoding never changes.
package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"veritas/internal/integrity/canonical"
)

// Algorithm names the hash behind every digest.
const Algorithm = "sha256"

// Length is the hex length of a digest.
const Length = sha256.Size * 2

// Sum hashes b and returns the lowercase hex digest.
func Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Of canonicalizes v and returns its digest along with the canonical bytes.
func Of(v any) (string, []byte, error) {
	canonicalBytes, err := canonical.Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	return Sum(canonicalBytes), canonicalBytes, nil
}

// Valid reports whether s is exactly Length hex characters (either case).
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

// Normalize lowercases a digest so comparisons are case-insensitive.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal compares two digests in constant time after normalization.
func Equal(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
