package btree

import (
	"bytes"
	"encoding/binary"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
)

// File header constants. The 100-byte header at the start of page 1
// mirrors the fixed portion of the SQLite 3 header; every field below is
// validated byte-for-byte on open.
const (
	// headerMagic is the magic string at offset 0, including the
	// terminating NUL (16 bytes).
	headerMagic = "SQLite format 3\x00"

	headerOffsetMagic         = 0x00
	headerOffsetPageSize      = 0x10 // page size (2 bytes, big-endian)
	headerOffsetFormat        = 0x12 // fixed format bytes (6 bytes)
	headerOffsetFileChange    = 0x18 // file change counter (4 bytes)
	headerOffsetZeroA         = 0x20 // zero field (4 bytes)
	headerOffsetZeroB         = 0x24 // zero field (4 bytes)
	headerOffsetSchemaVersion = 0x28 // schema version (4 bytes)
	headerOffsetOneA          = 0x2c // fixed 00 00 00 01 (4 bytes)
	headerOffsetPageCacheSize = 0x30 // page-cache-size hint (4 bytes)
	headerOffsetZeroC         = 0x34 // zero field (4 bytes)
	headerOffsetOneB          = 0x38 // fixed 00 00 00 01 (4 bytes)
	headerOffsetZeroD         = 0x40 // zero field (4 bytes)
	headerOffsetUserCookie    = 0x44 // user cookie (4 bytes)
	headerEnd                 = 100
)

// defaultPageCacheSize is the initial page-cache-size hint.
const defaultPageCacheSize = 20000

// headerFormatBytes is the fixed sequence at offset 0x12: file format
// versions, reserved space, and payload fractions.
var headerFormatBytes = [6]byte{0x01, 0x01, 0x00, 0x40, 0x20, 0x20}

var headerFourZeroes = [4]byte{0x00, 0x00, 0x00, 0x00}
var headerZeroAndOne = [4]byte{0x00, 0x00, 0x00, 0x01}

// writeFileHeader writes a fresh 100-byte file header into data.
func writeFileHeader(data []byte, pageSize uint16) {
	hdr := data[:headerEnd]
	for i := range hdr {
		hdr[i] = 0
	}

	copy(hdr[headerOffsetMagic:], headerMagic)
	binary.BigEndian.PutUint16(hdr[headerOffsetPageSize:], pageSize)
	copy(hdr[headerOffsetFormat:], headerFormatBytes[:])
	binary.BigEndian.PutUint32(hdr[headerOffsetFileChange:], 0)
	binary.BigEndian.PutUint32(hdr[headerOffsetSchemaVersion:], 0)
	copy(hdr[headerOffsetOneA:], headerZeroAndOne[:])
	binary.BigEndian.PutUint32(hdr[headerOffsetPageCacheSize:], defaultPageCacheSize)
	copy(hdr[headerOffsetOneB:], headerZeroAndOne[:])
	binary.BigEndian.PutUint32(hdr[headerOffsetUserCookie:], 0)
}

// headerField pairs a fixed header region with its expected bytes.
type headerField struct {
	name   string
	offset int
	want   []byte
}

// validateFileHeader checks every fixed field of the 100-byte header and
// returns the page size on success. Any mismatch fails with a
// CorruptHeaderError (unwrapping to ErrCorruptHeader).
func validateFileHeader(hdr []byte) (uint16, error) {
	fields := []headerField{
		{"magic string", headerOffsetMagic, []byte(headerMagic)},
		{"format bytes", headerOffsetFormat, headerFormatBytes[:]},
		{"file change counter", headerOffsetFileChange, headerFourZeroes[:]},
		{"zero field", headerOffsetZeroA, headerFourZeroes[:]},
		{"zero field", headerOffsetZeroB, headerFourZeroes[:]},
		{"schema version", headerOffsetSchemaVersion, headerFourZeroes[:]},
		{"constant one", headerOffsetOneA, headerZeroAndOne[:]},
		{"page cache size", headerOffsetPageCacheSize, []byte{0x00, 0x00, 0x4e, 0x20}},
		{"zero field", headerOffsetZeroC, headerFourZeroes[:]},
		{"constant one", headerOffsetOneB, headerZeroAndOne[:]},
		{"zero field", headerOffsetZeroD, headerFourZeroes[:]},
		{"user cookie", headerOffsetUserCookie, headerFourZeroes[:]},
	}

	for _, f := range fields {
		if !bytes.Equal(hdr[f.offset:f.offset+len(f.want)], f.want) {
			return 0, kerrors.NewCorruptHeader(f.name, f.offset)
		}
	}

	// Reserved regions between the fixed fields must be zero
	reserved := [][2]int{
		{headerOffsetFileChange + 4, headerOffsetZeroA}, // 0x1c..0x1f
		{headerOffsetOneB + 4, headerOffsetZeroD},       // 0x3c..0x3f
		{headerOffsetUserCookie + 4, headerEnd},         // 0x48..0x63
	}
	for _, r := range reserved {
		for off := r[0]; off < r[1]; off++ {
			if hdr[off] != 0 {
				return 0, kerrors.NewCorruptHeader("reserved bytes", off)
			}
		}
	}

	pageSize := binary.BigEndian.Uint16(hdr[headerOffsetPageSize:])
	if !isValidPageSize(int(pageSize)) {
		return 0, kerrors.NewCorruptHeader("page size", headerOffsetPageSize)
	}

	return pageSize, nil
}

// isValidPageSize checks that a page size is a power of two within
// [512, 65536]. 65536 does not fit in the 16-bit header field, so the
// practical ceiling for stored sizes is 32768.
func isValidPageSize(size int) bool {
	if size < pager.MinPageSize || size > pager.MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}
