package ratelimit

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const keyPrefix = "sandboxgate:rl:"

// StorageKey derives the counter key for a user and model bucket. Raw user
// ids never reach the shared store.
func StorageKey(userID, bucket string) string {
	sum := blake2b.Sum256([]byte(userID + "\x00" + bucket))
	return keyPrefix + hex.EncodeToString(sum[:16])
}
