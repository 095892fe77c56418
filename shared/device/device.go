// Package device derives the broker-facing short id from a device id.
package device

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortID returns the first 6 hex characters of SHA-256(deviceID). It is
// deterministic so the broker can always recompute it from a device id, and
// it is short enough to use as a TLS SNI label component.
func ShortID(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])[:6]
}
