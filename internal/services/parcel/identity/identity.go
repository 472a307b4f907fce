// Package identity derives canonical parcel identifiers from content.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length is the character length of a parcel identifier.
const Length = sha256.Size * 2

// Derive returns the parcel identifier for the given content: the uppercase
// hex SHA-256 digest of the raw bytes. It is a pure function of content, so
// two uploads of identical bytes collide on the same identifier.
func Derive(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Valid reports whether id has the shape of a derived parcel identifier:
// exactly Length uppercase hex characters. Identifiers are used as store keys,
// so shape checks guard against path or query injection in adapters.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
