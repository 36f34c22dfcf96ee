package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex characters from crypto/rand; nBytes <= 0
// falls back to 16 (32 hex chars). It backs connection ids when the ULID
// source fails, so a failed rand read returns "" rather than panicking and
// the caller treats empty as absent.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}
