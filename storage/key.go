package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// GrantKey derives the storage key for a raw code or token value. Grants are
// keyed by the SHA-256 of the raw value so the store never holds anything
// redeemable; possession of the store contents alone cannot mint tokens.
func GrantKey(rawValue string) string {
	sum := sha256.Sum256([]byte(rawValue))
	return hex.EncodeToString(sum[:])
}
