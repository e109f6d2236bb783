package archive

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// payloadKey domain-separates payload digests from other blake3 uses.
var payloadKey = func() [32]byte {
	var k [32]byte
	copy(k[:], "wadostream.frame.payload")
	return k
}()

// Digest returns the hex keyed-blake3 digest of a frame payload.
func Digest(payload []byte) string {
	hasher, err := blake3.NewKeyed(payloadKey[:])
	if err != nil {
		// Only possible with a key that is not 32 bytes.
		panic("archive: blake3 key: " + err.Error())
	}
	_, _ = hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}
