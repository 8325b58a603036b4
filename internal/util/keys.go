package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MaxRawKey is the longest cache key stored under its own hex form. Longer
// keys are replaced by their SHA-256 so provider keys stay bounded.
const MaxRawKey = 64

// ArtifactKey returns the provider key for an artifact in namespace ns:
// "artifact:<ns>:<hex key>" or "artifact:<ns>:h:<sha256 hex>" for long keys.
func ArtifactKey(ns string, key []byte) string {
	if len(key) > MaxRawKey {
		sum := sha256.Sum256(key)
		return fmt.Sprintf("artifact:%s:h:%x", ns, sum)
	}
	return "artifact:" + ns + ":" + hex.EncodeToString(key)
}
