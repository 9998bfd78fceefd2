package rotor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// generateKeyID produces a unique key identifier from random bytes,
// falling back to a timestamp when the system RNG is unavailable.
func generateKeyID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("key_%d", time.Now().UnixNano())
	}
	return "key_" + hex.EncodeToString(b)
}
