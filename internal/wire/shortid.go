package wire

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ShortID derives an 8-byte correlation id from an encoded envelope, short
// enough to name a wire message without logging its full payload. No
// metric or log line in this module uses it.
func ShortID(encoded []byte) string {
	sum := blake2b.Sum256(encoded)
	return hex.EncodeToString(sum[:8])
}
