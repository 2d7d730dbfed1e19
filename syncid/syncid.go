// Package syncid derives the 40-byte, time-ordered key used to place a
// message in the merkle radix trie and to translate it back into the
// local store's primary key layout without an auxiliary index.
package syncid

import (
	"encoding/binary"
	"fmt"
)

// Len is the fixed length of an encoded SyncId.
const Len = 40

const (
	timestampPrefixLen = 10
	familyPrefixLen    = 1
	fidLen             = 4
	setPostfixLen      = 1
	hashLen            = 20
)

// FamilyPrefix identifies the message family a SyncId belongs to. The core
// only ever mints one family; the byte exists so the store's primary key
// layout can be extended to additional families without changing the trie.
const FamilyPrefix byte = 0x01

// SetPostfix distinguishes the two groupings a message type can fall into:
// an "add" that should be visible to peers, or a "remove" tombstone.
type SetPostfix byte

const (
	SetPostfixAdd    SetPostfix = 0x00
	SetPostfixRemove SetPostfix = 0x01
)

// Type is the application-level message type enum. Only the parity of
// "is this a removal" matters to SyncId derivation; the concrete type space
// belongs to the message store, not the sync core.
type Type uint8

// Message is the minimal view of a stored message the sync core needs in
// order to derive its SyncId. Concrete message types implement this.
type Message interface {
	Fid() uint64
	MsgType() Type
	Timestamp() uint32
	Hash() [hashLen]byte
}

// IsRemoveType reports whether a message type belongs to the "remove"
// grouping rather than the "add" grouping. Callers that need a different
// mapping (e.g. hub message types with multiple remove kinds) can override
// this by wrapping Message and encoding accordingly; the default treats
// even type values as adds and odd as removes, matching the common
// add/remove message-type numbering convention.
func IsRemoveType(t Type) bool {
	return t%2 == 1
}

// SyncId is the raw 40-byte encoded key. It is a fixed-size array so it can
// be copied by value without aliasing a caller's backing buffer.
type SyncId [Len]byte

// Encode assembles the SyncId for m: 10 ASCII decimal digits of the
// timestamp, the family prefix, the big-endian fid, the set-postfix, and
// the message hash. The hash fills the final 20 bytes (the offset
// PrimaryKey reads it from); bytes 16-19 are always zero. The function is
// total: a zero/absent field encodes as zero.
func Encode(m Message) SyncId {
	var id SyncId

	ts := uint32(0)
	fid := uint64(0)
	typ := Type(0)
	var hash [hashLen]byte
	if m != nil {
		ts = m.Timestamp()
		fid = m.Fid()
		typ = m.MsgType()
		hash = m.Hash()
	}

	timestampToASCII(id[:timestampPrefixLen], ts)

	off := timestampPrefixLen
	id[off] = FamilyPrefix
	off += familyPrefixLen

	binary.BigEndian.PutUint32(id[off:off+fidLen], uint32(fid))
	off += fidLen

	if IsRemoveType(typ) {
		id[off] = byte(SetPostfixRemove)
	} else {
		id[off] = byte(SetPostfixAdd)
	}
	off += setPostfixLen

	copy(id[Len-hashLen:], hash[:])

	return id
}

// PrimaryKey re-derives the local store's primary key from a SyncId:
// [family-prefix | fid(4) | set-postfix(1) | timestamp(4) | hash(20)].
// PrimaryKey(Encode(m)) always equals the key the store used for m.
func PrimaryKey(id SyncId) ([]byte, error) {
	ts, err := asciiToTimestamp(id[:timestampPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("syncid: decode timestamp prefix: %w", err)
	}

	out := make([]byte, familyPrefixLen+fidLen+setPostfixLen+4+hashLen)
	off := 0
	out[off] = id[timestampPrefixLen]
	off += familyPrefixLen

	copy(out[off:off+fidLen], id[timestampPrefixLen+familyPrefixLen:timestampPrefixLen+familyPrefixLen+fidLen])
	off += fidLen

	out[off] = id[timestampPrefixLen+familyPrefixLen+fidLen]
	off += setPostfixLen

	binary.BigEndian.PutUint32(out[off:off+4], ts)
	off += 4

	copy(out[off:off+hashLen], id[Len-hashLen:])

	return out, nil
}

// Timestamp extracts the timestamp encoded in a SyncId's leading ASCII
// prefix.
func Timestamp(id SyncId) (uint32, error) {
	return asciiToTimestamp(id[:timestampPrefixLen])
}

// Fid extracts the big-endian fid embedded in a SyncId.
func Fid(id SyncId) uint64 {
	return uint64(binary.BigEndian.Uint32(id[timestampPrefixLen+familyPrefixLen : timestampPrefixLen+familyPrefixLen+fidLen]))
}

func timestampToASCII(dst []byte, ts uint32) {
	s := fmt.Sprintf("%0*d", timestampPrefixLen, ts)
	copy(dst, s)
}

func asciiToTimestamp(digits []byte) (uint32, error) {
	if len(digits) != timestampPrefixLen {
		return 0, fmt.Errorf("timestamp prefix must be %d bytes, got %d", timestampPrefixLen, len(digits))
	}
	var ts uint64
	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("timestamp prefix byte %q is not an ASCII digit", b)
		}
		ts = ts*10 + uint64(b-'0')
	}
	if ts > uint64(^uint32(0)) {
		return 0, fmt.Errorf("timestamp prefix %d overflows uint32", ts)
	}
	return uint32(ts), nil
}
