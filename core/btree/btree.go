// Package btree manipulates a B-Tree file: a database file holding one or
// more B-Trees that share a single page space. Trees come in two families,
// table trees (integer key to opaque record bytes) and index trees
// (keyIdx to keyPk pairs), each with an internal and a leaf node variant.
//
// The package never touches the file directly; all page I/O goes through
// the pager. Every node loaded with GetNodeByPage must be released with
// FreeMemNode on every path, because the pager ref-counts page buffers.
package btree

import (
	"log/slog"
	"os"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
	"github.com/koradb/kora/internal/logging"
)

// BTree represents an open B-Tree file.
type BTree struct {
	pager *pager.Pager
	log   *slog.Logger
}

// Open opens a database file and verifies its header. If the file does
// not exist or is empty, Open writes a fresh header with the default page
// size and creates an empty table-leaf root node at page 1.
//
// Returns ErrCorruptHeader if any fixed header byte of an existing file
// mismatches.
func Open(filename string) (*BTree, error) {
	newFile := false
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		newFile = true
	} else if err != nil {
		return nil, kerrors.NewIO("stat", filename, err)
	} else if info.Size() == 0 {
		newFile = true
	}

	pgr, err := pager.Open(filename)
	if err != nil {
		return nil, err
	}

	bt := &BTree{
		pager: pgr,
		log:   logging.ForComponent("btree"),
	}

	if newFile {
		pgr.SetPageSize(pager.DefaultPageSize)
		if _, err := bt.NewNode(PageTypeTableLeaf); err != nil {
			pgr.Close()
			return nil, err
		}
		bt.log.Debug("created database file", "path", filename, "page_size", pager.DefaultPageSize)
		return bt, nil
	}

	var hdr [pager.HeaderSize]byte
	if err := pgr.ReadHeader(hdr[:]); err != nil {
		pgr.Close()
		return nil, err
	}
	pageSize, err := validateFileHeader(hdr[:])
	if err != nil {
		pgr.Close()
		return nil, err
	}
	pgr.SetPageSize(pageSize)
	bt.log.Debug("opened database file", "path", filename, "page_size", pageSize, "pages", pgr.NPages())

	return bt, nil
}

// Close releases the pager and invalidates the tree handle.
func (bt *BTree) Close() error {
	return bt.pager.Close()
}

// Pager exposes the underlying pager, for tooling that walks pages directly.
func (bt *BTree) Pager() *pager.Pager {
	return bt.pager
}

// GetNodeByPage loads the B-Tree node stored on a page. The node borrows
// the page until FreeMemNode is called; changes only reach the file after
// WriteNode.
func (bt *BTree) GetNodeByPage(npage pager.Pgno) (*Node, error) {
	page, err := bt.pager.ReadPage(npage)
	if err != nil {
		return nil, err
	}
	return parseNode(page), nil
}

// FreeMemNode releases the node's hold on its page. The node must not be
// used afterwards.
func (bt *BTree) FreeMemNode(n *Node) {
	bt.pager.ReleasePage(n.Page)
}

// WriteNode flushes the node's header fields into its page and writes the
// page to disk. The offset array and cell area are modified in place on
// the page buffer, so serializing the header is all that remains.
func (bt *BTree) WriteNode(n *Node) error {
	n.writeHeader()
	return bt.pager.WritePage(n.Page)
}

// NewNode allocates a fresh page and initializes it as an empty node of
// the given type, returning its page number.
func (bt *BTree) NewNode(nodeType byte) (pager.Pgno, error) {
	npage := bt.pager.AllocatePage()
	if err := bt.InitEmptyNode(npage, nodeType); err != nil {
		return 0, err
	}
	return npage, nil
}

// InitEmptyNode initializes an already-allocated page as an empty node of
// the given type and writes it out. On page 1 the file header is written
// first and the node header follows at byte 100.
func (bt *BTree) InitEmptyNode(npage pager.Pgno, nodeType byte) error {
	page, err := bt.pager.ReadPage(npage)
	if err != nil {
		return err
	}

	if npage == 1 {
		writeFileHeader(page.Data, uint16(bt.pager.PageSize()))
	}

	n := &Node{Page: page, headerBase: nodeHeaderBase(npage)}
	n.reset(nodeType, bt.pager.PageSize())
	n.writeHeader()

	if err := bt.pager.WritePage(page); err != nil {
		bt.pager.ReleasePage(page)
		return err
	}
	bt.pager.ReleasePage(page)
	return nil
}

// Find returns a copy of the data stored under key in the table B-Tree
// rooted at nroot, or ErrNotFound if the key is absent.
func (bt *BTree) Find(nroot pager.Pgno, key uint32) ([]byte, error) {
	node, err := bt.GetNodeByPage(nroot)
	if err != nil {
		return nil, err
	}

	for i := 0; i < int(node.NCells); i++ {
		cell, err := node.GetCell(i)
		if err != nil {
			bt.FreeMemNode(node)
			return nil, err
		}

		if cell.Key == key && node.Type == PageTypeTableLeaf {
			data := make([]byte, cell.DataSize)
			copy(data, cell.Data)
			bt.FreeMemNode(node)
			return data, nil
		}
		if key <= cell.Key {
			// The key can only live in this cell's subtree
			if node.IsLeaf() {
				bt.FreeMemNode(node)
				return nil, kerrors.ErrNotFound
			}
			child := cell.ChildPage
			bt.FreeMemNode(node)
			return bt.Find(child, key)
		}
	}

	// Greater than every cell key: the right page holds it, if anything does
	if node.IsLeaf() {
		bt.FreeMemNode(node)
		return nil, kerrors.ErrNotFound
	}
	right := node.RightPage
	bt.FreeMemNode(node)
	return bt.Find(right, key)
}

// InsertInTable inserts a key/data entry into the table B-Tree rooted at
// nroot. Returns ErrDuplicate if the key is already present.
func (bt *BTree) InsertInTable(nroot pager.Pgno, key uint32, data []byte) error {
	return bt.Insert(nroot, Cell{
		Type:     PageTypeTableLeaf,
		Key:      key,
		DataSize: uint32(len(data)),
		Data:     data,
	})
}

// InsertInIndex inserts a (keyIdx, keyPk) entry into the index B-Tree
// rooted at nroot. Returns ErrDuplicate if keyIdx is already present.
func (bt *BTree) InsertInIndex(nroot pager.Pgno, keyIdx, keyPk uint32) error {
	return bt.Insert(nroot, Cell{
		Type:  PageTypeIndexLeaf,
		Key:   keyIdx,
		KeyPk: keyPk,
	})
}

// Insert adds a cell to the B-Tree rooted at nroot. If the root itself
// could not hold the cell, it is split first: its cells move to a fresh
// right child and the root is reshaped in place as an internal node, so
// the root page number never changes.
func (bt *BTree) Insert(nroot pager.Pgno, c Cell) error {
	// Duplicates are rejected before any page is touched, so a failed
	// insert leaves the file byte-identical even when a split was due
	exists, err := bt.keyExists(nroot, c.Key)
	if err != nil {
		return err
	}
	if exists {
		return kerrors.Wrapf(kerrors.ErrDuplicate, "key %d", c.Key)
	}

	root, err := bt.GetNodeByPage(nroot)
	if err != nil {
		return err
	}

	if root.WouldOverflow(c) {
		if err := bt.splitRoot(nroot, root); err != nil {
			return err
		}
	} else {
		bt.FreeMemNode(root)
	}

	return bt.insertNonFull(nroot, c)
}

// splitRoot moves the root's cells to a newly allocated sibling, reshapes
// the root in place as an internal node pointing at the sibling, and
// splits the sibling. Takes ownership of root and releases it.
func (bt *BTree) splitRoot(nroot pager.Pgno, root *Node) error {
	rootType := root.Type
	rootRight := root.RightPage

	newRightNo, err := bt.NewNode(rootType)
	if err != nil {
		bt.FreeMemNode(root)
		return err
	}
	newRight, err := bt.GetNodeByPage(newRightNo)
	if err != nil {
		bt.FreeMemNode(root)
		return err
	}

	for i := 0; i < int(root.NCells); i++ {
		cell, err := root.GetCell(i)
		if err == nil {
			err = newRight.InsertCell(i, cell)
		}
		if err != nil {
			bt.FreeMemNode(newRight)
			bt.FreeMemNode(root)
			return err
		}
	}
	newRight.RightPage = rootRight
	bt.FreeMemNode(root)

	// Reinitialize the root page in place as the internal variant of the
	// same family
	internalType := byte(PageTypeTableInternal)
	if rootType == PageTypeIndexLeaf || rootType == PageTypeIndexInternal {
		internalType = PageTypeIndexInternal
	}
	if err := bt.InitEmptyNode(nroot, internalType); err != nil {
		bt.FreeMemNode(newRight)
		return err
	}

	root, err = bt.GetNodeByPage(nroot)
	if err != nil {
		bt.FreeMemNode(newRight)
		return err
	}
	root.RightPage = newRightNo

	if err := bt.WriteNode(root); err == nil {
		err = bt.WriteNode(newRight)
	}
	bt.FreeMemNode(root)
	bt.FreeMemNode(newRight)
	if err != nil {
		return err
	}

	bt.log.Debug("root split", "root", nroot, "sibling", newRightNo)

	_, err = bt.Split(nroot, newRightNo, 0)
	return err
}

// keyExists walks the tree the same way insertNonFull routes, reporting
// whether the key is already present in a leaf or as a separator.
func (bt *BTree) keyExists(npage pager.Pgno, key uint32) (bool, error) {
	node, err := bt.GetNodeByPage(npage)
	if err != nil {
		return false, err
	}

	next := pager.Pgno(0)
	for i := 0; i < int(node.NCells); i++ {
		cell, err := node.GetCell(i)
		if err != nil {
			bt.FreeMemNode(node)
			return false, err
		}
		if cell.Key == key {
			bt.FreeMemNode(node)
			return true, nil
		}
		if cell.Key > key && node.IsInternal() {
			next = cell.ChildPage
			break
		}
	}

	if node.IsLeaf() {
		bt.FreeMemNode(node)
		return false, nil
	}
	if next == 0 {
		next = node.RightPage
	}
	bt.FreeMemNode(node)
	return bt.keyExists(next, key)
}

// insertNonFull inserts a cell into the subtree rooted at npage, which is
// assumed to have room for it. Children that would overflow are split
// before descending, and the insert restarts at the parent because the
// new separator may change where the cell routes.
func (bt *BTree) insertNonFull(npage pager.Pgno, c Cell) error {
	node, err := bt.GetNodeByPage(npage)
	if err != nil {
		return err
	}

	if node.IsLeaf() {
		i := 0
		for ; i < int(node.NCells); i++ {
			cell, err := node.GetCell(i)
			if err != nil {
				bt.FreeMemNode(node)
				return err
			}
			if c.Key < cell.Key {
				break
			}
			if cell.Key == c.Key {
				bt.FreeMemNode(node)
				return kerrors.Wrapf(kerrors.ErrDuplicate, "key %d", c.Key)
			}
		}
		if err := node.InsertCell(i, c); err != nil {
			bt.FreeMemNode(node)
			return err
		}
		err := bt.WriteNode(node)
		bt.FreeMemNode(node)
		return err
	}

	// Internal node: pick the first child whose separator exceeds the key
	childIdx := int(node.NCells)
	child := node.RightPage
	for i := 0; i < int(node.NCells); i++ {
		cell, err := node.GetCell(i)
		if err != nil {
			bt.FreeMemNode(node)
			return err
		}
		if cell.Key == c.Key {
			bt.FreeMemNode(node)
			return kerrors.Wrapf(kerrors.ErrDuplicate, "key %d", c.Key)
		}
		if cell.Key > c.Key {
			childIdx = i
			child = cell.ChildPage
			break
		}
	}
	bt.FreeMemNode(node)

	childNode, err := bt.GetNodeByPage(child)
	if err != nil {
		return err
	}
	if childNode.WouldOverflow(c) {
		bt.FreeMemNode(childNode)
		if _, err := bt.Split(npage, child, childIdx); err != nil {
			return err
		}
		// The new separator may reroute the key; restart at the parent
		return bt.insertNonFull(npage, c)
	}
	bt.FreeMemNode(childNode)

	return bt.insertNonFull(child, c)
}

// Split splits the child node into a newly allocated left sibling and
// itself, promoting the median key into the parent at position
// parentNCell. If the child is a table leaf the median row is also kept
// in the left sibling, since table leaves carry the data. Returns the
// page number of the new sibling.
//
// The child is reshaped through an in-memory scratch page, so no
// transient page is ever allocated in the file.
func (bt *BTree) Split(nparent, nchild pager.Pgno, parentNCell int) (pager.Pgno, error) {
	parent, err := bt.GetNodeByPage(nparent)
	if err != nil {
		return 0, err
	}
	child, err := bt.GetNodeByPage(nchild)
	if err != nil {
		bt.FreeMemNode(parent)
		return 0, err
	}

	release := func() {
		bt.FreeMemNode(child)
		bt.FreeMemNode(parent)
	}

	median := int(child.NCells) / 2
	medianCell, err := child.GetCell(median)
	if err != nil {
		release()
		return 0, err
	}
	// The median's scalar fields survive the reshape below; its Data
	// view does not, but the separator never carries data.
	medianKey := medianCell.Key
	medianPk := medianCell.KeyPk
	medianChild := medianCell.ChildPage

	siblingNo, err := bt.NewNode(child.Type)
	if err != nil {
		release()
		return 0, err
	}
	sibling, err := bt.GetNodeByPage(siblingNo)
	if err != nil {
		release()
		return 0, err
	}

	// Move the cells before the median into the sibling; a table leaf
	// keeps the median row as well
	for i := 0; i < median; i++ {
		cell, err := child.GetCell(i)
		if err == nil {
			err = sibling.InsertCell(i, cell)
		}
		if err != nil {
			bt.FreeMemNode(sibling)
			release()
			return 0, err
		}
	}
	if child.Type == PageTypeTableLeaf {
		if err := sibling.InsertCell(median, medianCell); err != nil {
			bt.FreeMemNode(sibling)
			release()
			return 0, err
		}
	}
	if child.IsInternal() {
		// The child the median pointed at becomes the sibling's rightmost
		sibling.RightPage = medianChild
	}

	// Rebuild the child from the post-median cells via a scratch page
	scratch := bt.newScratchNode(child.Type)
	for i := median + 1; i < int(child.NCells); i++ {
		cell, err := child.GetCell(i)
		if err == nil {
			err = scratch.InsertCell(i-median-1, cell)
		}
		if err != nil {
			bt.FreeMemNode(sibling)
			release()
			return 0, err
		}
	}

	childRight := child.RightPage
	child.reset(child.Type, bt.pager.PageSize())
	child.RightPage = childRight
	for i := 0; i < int(scratch.NCells); i++ {
		cell, err := scratch.GetCell(i)
		if err == nil {
			err = child.InsertCell(i, cell)
		}
		if err != nil {
			bt.FreeMemNode(sibling)
			release()
			return 0, err
		}
	}

	// Promote the median as the parent's separator for the new sibling
	sep := Cell{
		Type:      parent.Type,
		Key:       medianKey,
		ChildPage: siblingNo,
	}
	if parent.Type == PageTypeIndexInternal {
		sep.KeyPk = medianPk
	}
	if err := parent.InsertCell(parentNCell, sep); err != nil {
		bt.FreeMemNode(sibling)
		release()
		return 0, err
	}

	if err := bt.WriteNode(parent); err == nil {
		if err = bt.WriteNode(child); err == nil {
			err = bt.WriteNode(sibling)
		}
	}
	bt.FreeMemNode(sibling)
	release()
	if err != nil {
		return 0, err
	}

	bt.log.Debug("node split", "parent", nparent, "child", nchild, "sibling", siblingNo)
	return siblingNo, nil
}

// newScratchNode returns an empty node over a page-sized buffer that is
// not backed by the pager. Used to reshape nodes in memory.
func (bt *BTree) newScratchNode(nodeType byte) *Node {
	n := &Node{
		Page: &pager.MemPage{Data: make([]byte, bt.pager.PageSize())},
	}
	n.reset(nodeType, bt.pager.PageSize())
	return n
}
