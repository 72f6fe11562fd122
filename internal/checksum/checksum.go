// Package checksum fingerprints document bodies so external edits can be
// told apart from the service's own writes.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// String is Sum for a body already held as a string.
func String(body string) string {
	return Sum([]byte(body))
}
