package btree

// Variable-length integer encoding/decoding for cell fields.
//
// The file format stores 32-bit unsigned integers as big-endian varints
// with 7 payload bits per byte and the high bit used as a continuation
// flag. Cells always reserve four bytes per varint so that cell sizes are
// fixed per variant; the encoder therefore always emits the 4-byte form,
// which caps stored values at 2^28-1.

// varint32Len is the number of bytes every encoded varint32 occupies.
const varint32Len = 4

// putVarint32 writes v to p as a 4-byte big-endian varint.
// The first three bytes carry the continuation bit.
func putVarint32(p []byte, v uint32) {
	p[0] = byte(v>>21)&0x7f | 0x80
	p[1] = byte(v>>14)&0x7f | 0x80
	p[2] = byte(v>>7)&0x7f | 0x80
	p[3] = byte(v) & 0x7f
}

// getVarint32 reads a 4-byte big-endian varint from p.
func getVarint32(p []byte) uint32 {
	return uint32(p[0]&0x7f)<<21 |
		uint32(p[1]&0x7f)<<14 |
		uint32(p[2]&0x7f)<<7 |
		uint32(p[3]&0x7f)
}
