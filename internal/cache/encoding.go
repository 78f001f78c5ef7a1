package cache

import "encoding/binary"

// PutUint8 appends a single byte to dst.
func putUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

// putUint64BE appends a big-endian uint64 to dst (8 bytes).
func putUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// getUint64BE reads a big-endian uint64 from b.
func getUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
