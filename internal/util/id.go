package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque random token. The output carries no ordering:
// callers that need a stable sort must order by created_at, not by id.
func NewID(prefix string) string {
	bytes := make([]byte, 10)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
