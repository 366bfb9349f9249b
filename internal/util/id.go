package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random, collision-safe identifier with an optional
// readable prefix ("tab_ab12..."). Used for relay instance identity.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
