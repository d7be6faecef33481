package websocket

import (
	"crypto/rand"
	"encoding/binary"
)

// maskBytes XORs data in place against the 4-byte masking key, cycling
// the key every 4 bytes (RFC 6455 Section 5.3). Masking is its own
// inverse: calling maskBytes twice with the same key restores the
// original bytes. A zero-length payload is a no-op, not an error.
//
// The byte-wise loop is correctness's source of truth; maskBytesFast
// below is an optimized variant tested against it.
func maskBytes(key [4]byte, data []byte) {
	if len(data) >= 8 {
		maskBytesFast(key, data)
		return
	}
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// maskBytesFast XORs 8 bytes at a time by repeating the 4-byte key into a
// 64-bit word, then finishes the remainder byte-wise. It gives the same
// result as the byte-wise loop because every 8-byte word starts at an
// offset that is a multiple of 4 within the key cycle (masking begins at
// payload offset 0 for every frame).
func maskBytesFast(key [4]byte, data []byte) {
	var key64 uint64
	k32 := binary.LittleEndian.Uint32(key[:])
	key64 = uint64(k32) | uint64(k32)<<32

	n := len(data) - len(data)%8
	for i := 0; i < n; i += 8 {
		word := binary.LittleEndian.Uint64(data[i : i+8])
		binary.LittleEndian.PutUint64(data[i:i+8], word^key64)
	}
	for i := n; i < len(data); i++ {
		data[i] ^= key[i%4]
	}
}

// newMaskKey returns a cryptographically random 4-byte masking key, used
// for every client-to-server frame (RFC 6455 Section 5.3: the key must be
// unpredictable per frame, not merely per connection).
func newMaskKey() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])
	return key, err
}
