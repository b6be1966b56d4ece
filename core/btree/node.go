package btree

import (
	"encoding/binary"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
)

// Page type constants (first byte of the node header)
const (
	PageTypeIndexInternal = 0x02 // internal index b-tree page
	PageTypeTableInternal = 0x05 // internal table b-tree page
	PageTypeIndexLeaf     = 0x0a // leaf index b-tree page
	PageTypeTableLeaf     = 0x0d // leaf table b-tree page
)

// Node header offsets, relative to the node-header base
// (byte 100 on page 1, byte 0 elsewhere)
const (
	nodeHeaderOffsetType        = 0 // page type (1 byte)
	nodeHeaderOffsetFreeOffset  = 1 // first free byte after the offset array (2 bytes)
	nodeHeaderOffsetNCells      = 3 // number of cells (2 bytes)
	nodeHeaderOffsetCellsOffset = 5 // start of the cell area (2 bytes)
	nodeHeaderOffsetZero        = 7 // always zero (1 byte)
	nodeHeaderOffsetRightPage   = 8 // right-most child pointer (4 bytes, internal only)
)

// Header sizes
const (
	nodeHeaderSizeLeaf     = 8  // leaf nodes: 8 bytes
	nodeHeaderSizeInternal = 12 // internal nodes: 12 bytes (includes right page)
)

// Node is the in-memory view of a page as a B-Tree node. The cell offset
// array and the cell area are manipulated directly on the page buffer;
// the header fields below are only flushed back by WriteNode.
type Node struct {
	// Page is the pager page the node lives on. The node borrows it
	// until FreeMemNode.
	Page *pager.MemPage

	// Type is one of the four page type codes.
	Type byte

	// FreeOffset is the first free byte after the cell offset array.
	FreeOffset uint16

	// NCells is the number of cells in the node.
	NCells uint16

	// CellsOffset is the start of the cell area, which grows downward
	// from the end of the page.
	CellsOffset uint16

	// RightPage is the right-most child (internal nodes only).
	RightPage pager.Pgno

	// headerBase is the byte offset of the node header within the page:
	// 100 on page 1, 0 elsewhere.
	headerBase int
}

// nodeHeaderBase returns the offset of the node header within a page.
func nodeHeaderBase(pgno pager.Pgno) int {
	if pgno == 1 {
		return pager.HeaderSize
	}
	return 0
}

// headerSize returns the node-header size for a type.
func headerSize(nodeType byte) int {
	if nodeType == PageTypeTableInternal || nodeType == PageTypeIndexInternal {
		return nodeHeaderSizeInternal
	}
	return nodeHeaderSizeLeaf
}

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool {
	return n.Type == PageTypeTableLeaf || n.Type == PageTypeIndexLeaf
}

// IsInternal reports whether the node has children.
func (n *Node) IsInternal() bool {
	return !n.IsLeaf()
}

// PageNo returns the number of the page the node lives on.
func (n *Node) PageNo() pager.Pgno {
	return n.Page.Pgno
}

// cellOffsetBase returns the offset of the cell offset array within the page.
func (n *Node) cellOffsetBase() int {
	return n.headerBase + headerSize(n.Type)
}

// FreeSpace returns the gap between the cell offset array and the cell area.
func (n *Node) FreeSpace() int {
	return int(n.CellsOffset) - int(n.FreeOffset)
}

// parseNode builds a Node view over a page.
func parseNode(page *pager.MemPage) *Node {
	base := nodeHeaderBase(page.Pgno)
	data := page.Data[base:]

	n := &Node{
		Page:        page,
		Type:        data[nodeHeaderOffsetType],
		FreeOffset:  binary.BigEndian.Uint16(data[nodeHeaderOffsetFreeOffset:]),
		NCells:      binary.BigEndian.Uint16(data[nodeHeaderOffsetNCells:]),
		CellsOffset: binary.BigEndian.Uint16(data[nodeHeaderOffsetCellsOffset:]),
		headerBase:  base,
	}
	if n.IsInternal() {
		n.RightPage = pager.Pgno(binary.BigEndian.Uint32(data[nodeHeaderOffsetRightPage:]))
	}
	return n
}

// writeHeader serializes the node header fields back into the page buffer.
func (n *Node) writeHeader() {
	data := n.Page.Data[n.headerBase:]

	data[nodeHeaderOffsetType] = n.Type
	binary.BigEndian.PutUint16(data[nodeHeaderOffsetFreeOffset:], n.FreeOffset)
	binary.BigEndian.PutUint16(data[nodeHeaderOffsetNCells:], n.NCells)
	binary.BigEndian.PutUint16(data[nodeHeaderOffsetCellsOffset:], n.CellsOffset)
	data[nodeHeaderOffsetZero] = 0
	if n.IsInternal() {
		binary.BigEndian.PutUint32(data[nodeHeaderOffsetRightPage:], uint32(n.RightPage))
	}
}

// reset reinitializes the node in place as an empty node of the given
// type, keeping the page. The cell area bytes are left as-is; they are
// unreachable once the offset array is empty.
func (n *Node) reset(nodeType byte, pageSize int) {
	n.Type = nodeType
	n.FreeOffset = uint16(n.headerBase + headerSize(nodeType))
	n.NCells = 0
	n.CellsOffset = uint16(pageSize)
	n.RightPage = 0
}

// GetCell returns the i-th cell of the node in logical key order.
// Fails with ErrBadCellNo if i is at or past NCells.
func (n *Node) GetCell(i int) (Cell, error) {
	if i < 0 || i >= int(n.NCells) {
		return Cell{}, kerrors.Wrapf(kerrors.ErrBadCellNo, "cell %d of %d", i, n.NCells)
	}

	offset := binary.BigEndian.Uint16(n.Page.Data[n.cellOffsetBase()+2*i:])
	return decodeCell(n.Page.Data[offset:], n.Type)
}

// InsertCell inserts a cell at position i, shifting later offset-array
// entries up. The caller must have checked WouldOverflow first; the node
// is assumed to have room.
func (n *Node) InsertCell(i int, c Cell) error {
	if i < 0 || i > int(n.NCells) {
		return kerrors.Wrapf(kerrors.ErrBadCellNo, "insert at %d of %d", i, n.NCells)
	}

	length := EncodedSize(c)
	n.CellsOffset -= uint16(length)
	encodeCell(n.Page.Data[n.CellsOffset:], c)

	// Shift offset-array entries [i, NCells) right by one slot
	slot := n.cellOffsetBase() + 2*i
	tail := n.Page.Data[slot : n.cellOffsetBase()+2*int(n.NCells)]
	copy(n.Page.Data[slot+2:slot+2+len(tail)], tail)

	binary.BigEndian.PutUint16(n.Page.Data[slot:], n.CellsOffset)
	n.FreeOffset += 2
	n.NCells++
	return nil
}

// WouldOverflow reports whether inserting the cell would leave the node
// without room for the cell bytes plus its offset-array slot.
func (n *Node) WouldOverflow(c Cell) bool {
	return EncodedSize(c)+2 > n.FreeSpace()
}
