package kvengine

import "encoding/binary"

// RecordID is the spec's "record id": an 8-byte signed big-endian
// integer. For oplog records it encodes a timestamp; for ordinary
// record stores it is a monotonic per-store sequence.
type RecordID int64

// IdentPrefix is the 4-byte big-endian integer uniquely mapping an
// ident to a key-space region (spec §3 "Key space").
type IdentPrefix uint32

const (
	identPrefixLen = 4
	blockIDLen     = 4
	recordIDLen    = 8
)

// putIdentPrefix appends p's big-endian encoding to dst.
func putIdentPrefix(dst []byte, p IdentPrefix) []byte {
	var b [identPrefixLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(p))
	return append(dst, b[:]...)
}

func decodeIdentPrefix(b []byte) IdentPrefix {
	return IdentPrefix(binary.BigEndian.Uint32(b))
}

func putRecordID(dst []byte, id RecordID) []byte {
	var b [recordIDLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return append(dst, b[:]...)
}

func decodeRecordID(b []byte) RecordID {
	return RecordID(binary.BigEndian.Uint64(b))
}

func putBlockID(dst []byte, blockID uint32) []byte {
	var b [blockIDLen]byte
	binary.BigEndian.PutUint32(b[:], blockID)
	return append(dst, b[:]...)
}

func decodeBlockID(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// recordKey encodes a non-oplog record store key: 4-byte ident prefix
// ‖ 8-byte record id (spec §3).
func recordKey(prefix IdentPrefix, id RecordID) []byte {
	dst := make([]byte, 0, identPrefixLen+recordIDLen)
	dst = putIdentPrefix(dst, prefix)
	dst = putRecordID(dst, id)
	return dst
}

// chunkKey encodes the overflow key for chunk index chunkIdx of the
// master record at (prefix, id): the master key with a 1-byte chunk
// index suffix (spec §3).
func chunkKey(prefix IdentPrefix, id RecordID, chunkIdx int) []byte {
	dst := recordKey(prefix, id)
	return append(dst, byte(chunkIdx))
}

// decodeRecordKeyPrefix extracts the ident prefix and record id from a
// record-store key of exactly identPrefixLen+recordIDLen bytes.
func decodeRecordKeyPrefix(key []byte) (IdentPrefix, RecordID) {
	return decodeIdentPrefix(key[:identPrefixLen]), decodeRecordID(key[identPrefixLen : identPrefixLen+recordIDLen])
}

// oplogPrefix encodes the 8-byte oplog key prefix: 4-byte ident prefix
// ‖ 4-byte block id (spec §3).
func oplogPrefix(ident IdentPrefix, blockID uint32) []byte {
	dst := make([]byte, 0, identPrefixLen+blockIDLen)
	dst = putIdentPrefix(dst, ident)
	dst = putBlockID(dst, blockID)
	return dst
}

// oplogKey encodes a full oplog record key: oplogPrefix(ident, blockID)
// ‖ 8-byte record id.
func oplogKey(ident IdentPrefix, blockID uint32, id RecordID) []byte {
	dst := oplogPrefix(ident, blockID)
	return putRecordID(dst, id)
}

func oplogChunkKey(ident IdentPrefix, blockID uint32, id RecordID, chunkIdx int) []byte {
	dst := oplogKey(ident, blockID, id)
	return append(dst, byte(chunkIdx))
}

func decodeOplogKeyRecordID(key []byte) RecordID {
	return decodeRecordID(key[identPrefixLen+blockIDLen:])
}

// stdIndexKey encodes a standard index key: 4-byte prefix ‖ the
// host-provided ordered key-string encoding ‖ 8-byte record id (spec
// §3; the record id is part of the key so that duplicates are distinct
// entries).
func stdIndexKey(prefix IdentPrefix, encodedKey []byte, id RecordID) []byte {
	dst := make([]byte, 0, identPrefixLen+len(encodedKey)+recordIDLen)
	dst = putIdentPrefix(dst, prefix)
	dst = append(dst, encodedKey...)
	dst = putRecordID(dst, id)
	return dst
}

// decodeStdIndexKeySuffix splits a standard index key (without its leading
// ident prefix, which the caller already stripped via prefix-scoping)
// back into the host's encoded key-string and the trailing record id.
func decodeStdIndexKeySuffix(keySuffix []byte) ([]byte, RecordID) {
	n := len(keySuffix)
	encoded := keySuffix[:n-recordIDLen]
	id := decodeRecordID(keySuffix[n-recordIDLen:])
	return encoded, id
}

// uniqIndexKey encodes a unique index key: 4-byte prefix ‖ the
// host-provided ordered key-string encoding, with no record id (spec
// §3 — uniqueness is enforced on the key alone).
func uniqIndexKey(prefix IdentPrefix, encodedKey []byte) []byte {
	dst := make([]byte, 0, identPrefixLen+len(encodedKey))
	dst = putIdentPrefix(dst, prefix)
	dst = append(dst, encodedKey...)
	return dst
}

// leb128Put encodes n as an LEB128 unsigned varint, appended to dst.
// Used for the compressed-payload-length field that follows the
// compression algorithm byte in a chunked value's header; the
// uncompressed length is carried only by the 4-byte length header.
func leb128Put(dst []byte, n uint64) []byte {
	for n >= 0x80 {
		dst = append(dst, byte(n)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// leb128Get decodes an LEB128 unsigned varint from the start of b,
// returning the value and the number of bytes consumed.
func leb128Get(b []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, c := range b {
		if c < 0x80 {
			return x | uint64(c)<<s, i + 1
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0
}
