package ids

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Length is the size of an object id rendered as a hex string.
const Length = 24

// New returns a 24-hex-character object id: a 4-byte big-endian unix
// timestamp followed by 8 random bytes. Ids sort roughly by creation time,
// which keeps storage keys friendly to range scans.
func New() string {
	var raw [12]byte
	binary.BigEndian.PutUint32(raw[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(raw[4:]); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// there is no degraded mode for identifier generation.
		panic(fmt.Sprintf("ids: read entropy: %v", err))
	}
	return hex.EncodeToString(raw[:])
}

// Valid reports whether s is a well-formed object id. Requests carrying a
// malformed id must be rejected before any store round-trip.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' {
			continue
		}
		return false
	}
	return true
}
