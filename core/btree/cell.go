package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/koradb/kora/core/pager"
)

// Cell layout constants
const (
	// Table-internal cell: child page (4 bytes) | key (varint32)
	tableInternalCellChildOffset = 0
	tableInternalCellKeyOffset   = 4
	tableInternalCellSize        = 8

	// Table-leaf cell: data size (varint32) | key (varint32) | data
	tableLeafCellSizeOffset = 0
	tableLeafCellKeyOffset  = 4
	tableLeafCellDataOffset = 8
	// Size of a table-leaf cell excluding its data bytes
	tableLeafCellHeaderSize = 8

	// Index-internal cell: child page (4) | magic (4) | keyIdx (4) | keyPk (4)
	indexInternalCellChildOffset  = 0
	indexInternalCellMagicOffset  = 4
	indexInternalCellKeyIdxOffset = 8
	indexInternalCellKeyPkOffset  = 12
	indexInternalCellSize         = 16

	// Index-leaf cell: magic (4) | keyIdx (4) | keyPk (4)
	indexLeafCellMagicOffset  = 0
	indexLeafCellKeyIdxOffset = 4
	indexLeafCellKeyPkOffset  = 8
	indexLeafCellSize         = 12
)

// indexCellMagic is the fixed byte sequence at the start of the key area
// of every index cell.
var indexCellMagic = [4]byte{0x0b, 0x03, 0x04, 0x04}

// Cell is one key/payload unit of a B-Tree node. The Type tag selects the
// variant; only the fields of that variant are meaningful.
type Cell struct {
	// Type is the page type of the node the cell belongs to.
	Type byte

	// Key is the entry key: the row key for table cells, keyIdx for
	// index cells.
	Key uint32

	// ChildPage is the page the cell points at (internal cells only).
	ChildPage pager.Pgno

	// DataSize and Data hold the record payload (table-leaf cells only).
	// After a decode, Data is a view into the page buffer, valid only
	// while the node is held.
	DataSize uint32
	Data     []byte

	// KeyPk is the primary key the index entry refers to (index cells only).
	KeyPk uint32
}

// EncodedSize returns the number of bytes the cell occupies on a page.
func EncodedSize(c Cell) int {
	switch c.Type {
	case PageTypeTableInternal:
		return tableInternalCellSize
	case PageTypeTableLeaf:
		return tableLeafCellHeaderSize + int(c.DataSize)
	case PageTypeIndexInternal:
		return indexInternalCellSize
	case PageTypeIndexLeaf:
		return indexLeafCellSize
	}
	return 0
}

// encodeCell writes the cell into buf, which must be at least
// EncodedSize(c) bytes long.
func encodeCell(buf []byte, c Cell) {
	switch c.Type {
	case PageTypeTableInternal:
		binary.BigEndian.PutUint32(buf[tableInternalCellChildOffset:], uint32(c.ChildPage))
		putVarint32(buf[tableInternalCellKeyOffset:], c.Key)

	case PageTypeTableLeaf:
		putVarint32(buf[tableLeafCellSizeOffset:], c.DataSize)
		putVarint32(buf[tableLeafCellKeyOffset:], c.Key)
		copy(buf[tableLeafCellDataOffset:], c.Data[:c.DataSize])

	case PageTypeIndexInternal:
		binary.BigEndian.PutUint32(buf[indexInternalCellChildOffset:], uint32(c.ChildPage))
		copy(buf[indexInternalCellMagicOffset:], indexCellMagic[:])
		binary.BigEndian.PutUint32(buf[indexInternalCellKeyIdxOffset:], c.Key)
		binary.BigEndian.PutUint32(buf[indexInternalCellKeyPkOffset:], c.KeyPk)

	case PageTypeIndexLeaf:
		copy(buf[indexLeafCellMagicOffset:], indexCellMagic[:])
		binary.BigEndian.PutUint32(buf[indexLeafCellKeyIdxOffset:], c.Key)
		binary.BigEndian.PutUint32(buf[indexLeafCellKeyPkOffset:], c.KeyPk)
	}
}

// decodeCell parses a cell of the given node type from buf. For table-leaf
// cells the Data field borrows from buf; it stays valid only while the
// underlying page is held.
func decodeCell(buf []byte, nodeType byte) (Cell, error) {
	c := Cell{Type: nodeType}

	switch nodeType {
	case PageTypeTableInternal:
		c.ChildPage = pager.Pgno(binary.BigEndian.Uint32(buf[tableInternalCellChildOffset:]))
		c.Key = getVarint32(buf[tableInternalCellKeyOffset:])

	case PageTypeTableLeaf:
		c.DataSize = getVarint32(buf[tableLeafCellSizeOffset:])
		c.Key = getVarint32(buf[tableLeafCellKeyOffset:])
		c.Data = buf[tableLeafCellDataOffset : tableLeafCellDataOffset+int(c.DataSize)]

	case PageTypeIndexInternal:
		c.ChildPage = pager.Pgno(binary.BigEndian.Uint32(buf[indexInternalCellChildOffset:]))
		c.Key = binary.BigEndian.Uint32(buf[indexInternalCellKeyIdxOffset:])
		c.KeyPk = binary.BigEndian.Uint32(buf[indexInternalCellKeyPkOffset:])

	case PageTypeIndexLeaf:
		c.Key = binary.BigEndian.Uint32(buf[indexLeafCellKeyIdxOffset:])
		c.KeyPk = binary.BigEndian.Uint32(buf[indexLeafCellKeyPkOffset:])

	default:
		return Cell{}, fmt.Errorf("invalid page type: 0x%02x", nodeType)
	}

	return c, nil
}

// String returns a string representation of the cell.
func (c Cell) String() string {
	switch c.Type {
	case PageTypeTableInternal:
		return fmt.Sprintf("Cell{table-internal, key=%d, child=%d}", c.Key, c.ChildPage)
	case PageTypeTableLeaf:
		return fmt.Sprintf("Cell{table-leaf, key=%d, size=%d}", c.Key, c.DataSize)
	case PageTypeIndexInternal:
		return fmt.Sprintf("Cell{index-internal, keyIdx=%d, keyPk=%d, child=%d}", c.Key, c.KeyPk, c.ChildPage)
	case PageTypeIndexLeaf:
		return fmt.Sprintf("Cell{index-leaf, keyIdx=%d, keyPk=%d}", c.Key, c.KeyPk)
	}
	return fmt.Sprintf("Cell{invalid type 0x%02x}", c.Type)
}
