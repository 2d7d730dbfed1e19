package trie

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// hashLen is the digest size used throughout the trie: BLAKE3-160, i.e. a
// BLAKE3 hash truncated (by requesting a 20-byte output) to the length of
// the message hashes it indexes.
const hashLen = 20

// Hash is a raw BLAKE3-160 digest. It serializes to a lowercase, zero-padded
// 40-char hex string at every wire/API boundary.
type Hash [hashLen]byte

// Hex returns the lowercase, unpadded-prefix hex encoding of the digest.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// EmptyHash is the BLAKE3-160 digest of the empty byte string. It is the
// hash of a leaf that carries no key, and the canonical value referenced
// whenever a set of sibling hashes to exclude turns out to be empty.
var EmptyHash = hashBytes(nil)

func hashBytes(data []byte) Hash {
	h := blake3.New(hashLen, nil)
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
