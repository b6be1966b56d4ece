// Package dbm holds the database-machine side of the storage core:
// cursors that traverse a table B-Tree in key order.
//
// A cursor does not chase parent pointers (nodes on disk have none);
// instead it owns a trail, the root-to-leaf path of (node, cell index)
// pairs for its current position. Every trail entry borrows its node from
// the pager, so closing the cursor releases the whole path.
package dbm

import (
	"github.com/koradb/kora/core/btree"
	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
)

// CursorType tells the owning machine what the cursor may do.
type CursorType int

const (
	// CursorUnspecified is a cursor with no declared access mode.
	CursorUnspecified CursorType = iota
	// CursorRead marks a read-only cursor.
	CursorRead
	// CursorWrite marks a cursor that may be used for writes.
	CursorWrite
)

// trailEntry is one step of the root-to-leaf path: a held node and the
// cell index the path goes through (n_cells meaning the right page).
type trailEntry struct {
	node *btree.Node
	cell int
}

// Cursor iterates over the table-leaf cells of a B-Tree.
type Cursor struct {
	// Type is the declared access mode; the cursor itself never writes.
	Type CursorType

	tree     *btree.BTree
	rootPage pager.Pgno
	trail    []trailEntry

	// cell is the cached current leaf cell. Its Data field borrows the
	// leaf's page buffer, which stays held by the trail.
	cell  btree.Cell
	valid bool
}

// New creates a cursor bound to the tree rooted at root. The cursor
// points nowhere until Rewind.
func New(tree *btree.BTree, root pager.Pgno) (*Cursor, error) {
	c := &Cursor{
		tree:     tree,
		rootPage: root,
	}
	node, err := tree.GetNodeByPage(root)
	if err != nil {
		return nil, err
	}
	c.trail = append(c.trail, trailEntry{node: node})
	return c, nil
}

// Close releases every node the trail holds.
func (c *Cursor) Close() {
	for _, e := range c.trail {
		c.tree.FreeMemNode(e.node)
	}
	c.trail = nil
	c.valid = false
}

// Cell returns the cached current cell. Only meaningful after a
// successful Rewind or Move.
func (c *Cursor) Cell() btree.Cell {
	return c.cell
}

// Key returns the key of the current cell.
func (c *Cursor) Key() uint32 {
	return c.cell.Key
}

// Valid reports whether the cursor points at a cell.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Rewind discards the trail and repositions the cursor at the first leaf
// cell of the tree (forward) or the last one (backward), caching it.
func (c *Cursor) Rewind(forward bool) error {
	for _, e := range c.trail {
		c.tree.FreeMemNode(e.node)
	}
	c.trail = c.trail[:0]
	c.valid = false

	root, err := c.tree.GetNodeByPage(c.rootPage)
	if err != nil {
		return err
	}
	entry := trailEntry{node: root}
	if !forward {
		entry.cell = c.startIndex(root, forward)
	}
	c.trail = append(c.trail, entry)

	return c.down(forward)
}

// Move steps the cursor one leaf cell forward or backward and refreshes
// the cached cell. At either end it returns ErrCantMove and leaves the
// trail at the last valid position, so a move in the opposite direction
// still works.
func (c *Cursor) Move(forward bool) error {
	if len(c.trail) == 0 {
		return kerrors.ErrCantMove
	}

	top := &c.trail[len(c.trail)-1]
	if top.node.NCells == 0 {
		// Only an empty root leaf can get here; there is nothing to visit
		return kerrors.ErrCantMove
	}

	atEdge := top.cell == 0
	if forward {
		atEdge = top.cell == int(top.node.NCells)-1
	}
	if !atEdge {
		if forward {
			top.cell++
		} else {
			top.cell--
		}
		return c.cache(top)
	}

	// The leaf is exhausted: find the nearest ancestor with another
	// child pointer in the move direction. Nothing is touched until one
	// is found, so a failed move leaves the cursor where it was.
	anc := -1
	for j := len(c.trail) - 2; j >= 0; j-- {
		e := c.trail[j]
		if forward && e.cell < int(e.node.NCells) {
			anc = j
			break
		}
		if !forward && e.cell > 0 {
			anc = j
			break
		}
	}
	if anc < 0 {
		return kerrors.ErrCantMove
	}

	for _, e := range c.trail[anc+1:] {
		c.tree.FreeMemNode(e.node)
	}
	c.trail = c.trail[:anc+1]

	if forward {
		c.trail[anc].cell++
	} else {
		c.trail[anc].cell--
	}
	return c.down(forward)
}

// down descends from the top trail entry to a leaf, pushing a trail entry
// per level, then caches the leaf's current cell. Backward descents enter
// each subtree at its rightmost child and cell.
func (c *Cursor) down(forward bool) error {
	for {
		top := &c.trail[len(c.trail)-1]
		if top.node.IsLeaf() {
			if top.node.NCells == 0 {
				// An empty tree has a single empty root leaf
				return kerrors.ErrCantMove
			}
			return c.cache(top)
		}

		var next pager.Pgno
		if top.cell < int(top.node.NCells) {
			cell, err := top.node.GetCell(top.cell)
			if err != nil {
				return err
			}
			next = cell.ChildPage
		} else {
			next = top.node.RightPage
		}

		node, err := c.tree.GetNodeByPage(next)
		if err != nil {
			return err
		}
		entry := trailEntry{node: node}
		if !forward {
			entry.cell = c.startIndex(node, forward)
		}
		c.trail = append(c.trail, entry)
	}
}

// startIndex returns the cell index a fresh trail entry starts at for a
// backward walk: past the last separator for internal nodes (so the
// descent takes the right page), the last cell for leaves.
func (c *Cursor) startIndex(n *btree.Node, forward bool) int {
	if forward {
		return 0
	}
	if n.IsLeaf() {
		return int(n.NCells) - 1
	}
	return int(n.NCells)
}

// cache refreshes the cached cell from a leaf trail entry.
func (c *Cursor) cache(top *trailEntry) error {
	cell, err := top.node.GetCell(top.cell)
	if err != nil {
		return err
	}
	c.cell = cell
	c.valid = true
	return nil
}
