package kv

import "encoding/binary"

// PutUint64BE appends a big-endian uint64 to dst (8 bytes).
// Big-endian keeps byte-wise key comparison consistent with numeric order.
func PutUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint64BE reads a big-endian uint64 from b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
