package btree

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
)

// checkSubtree verifies the structural and ordering invariants of the
// subtree rooted at npage: every key lies in (low, high], cell offsets
// stay ordered, and free space never goes negative. Returns the number
// of table-leaf cells in the subtree.
func checkSubtree(t *testing.T, bt *BTree, npage pager.Pgno, low, high int64) int {
	t.Helper()

	node, err := bt.GetNodeByPage(npage)
	if err != nil {
		t.Fatalf("page %d: load failed: %v", npage, err)
	}
	defer bt.FreeMemNode(node)

	if node.CellsOffset < node.FreeOffset {
		t.Fatalf("page %d: cells offset %d below free offset %d", npage, node.CellsOffset, node.FreeOffset)
	}

	count := 0
	prev := low
	for i := 0; i < int(node.NCells); i++ {
		cell, err := node.GetCell(i)
		if err != nil {
			t.Fatalf("page %d: GetCell(%d) failed: %v", npage, i, err)
		}
		key := int64(cell.Key)
		if key <= prev || key > high {
			t.Fatalf("page %d cell %d: key %d outside (%d, %d]", npage, i, key, prev, high)
		}

		switch node.Type {
		case PageTypeTableLeaf:
			count++
		case PageTypeTableInternal, PageTypeIndexInternal:
			// Keys in the child subtree never exceed the separator,
			// and exceed every earlier separator
			count += checkSubtree(t, bt, cell.ChildPage, prev, key)
		}
		prev = key
	}

	if node.IsInternal() {
		if node.NCells == 0 && npage != 1 {
			t.Errorf("page %d: non-root internal node with no separators", npage)
		}
		count += checkSubtree(t, bt, node.RightPage, prev, high)
	}
	return count
}

// checkTree runs the invariant checks over a whole tree and returns the
// table-leaf cell count.
func checkTree(t *testing.T, bt *BTree, root pager.Pgno) int {
	t.Helper()
	return checkSubtree(t, bt, root, -1, math.MaxUint32)
}

func TestInsertAndFind(t *testing.T) {
	bt := openTestTree(t)

	entries := []struct {
		key  uint32
		data string
	}{
		{10, "ABC"},
		{20, "DE"},
		{5, "FGHIJ"},
	}
	for _, e := range entries {
		if err := bt.InsertInTable(1, e.key, []byte(e.data)); err != nil {
			t.Fatalf("insert key %d failed: %v", e.key, err)
		}
	}

	data, err := bt.Find(1, 20)
	if err != nil {
		t.Fatalf("Find(20) failed: %v", err)
	}
	if string(data) != "DE" {
		t.Errorf("Find(20) = %q, want DE", data)
	}
	if len(data) != 2 {
		t.Errorf("Find(20) size = %d, want 2", len(data))
	}

	if _, err := bt.Find(1, 99); !kerrors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("Find(99) should fail with ErrNotFound, got %v", err)
	}

	checkTree(t, bt, 1)
}

func TestDuplicateInsertLeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.cdb")
	bt, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer bt.Close()

	for _, e := range []struct {
		key  uint32
		data string
	}{{10, "ABC"}, {20, "DE"}, {5, "FGHIJ"}} {
		if err := bt.InsertInTable(1, e.key, []byte(e.data)); err != nil {
			t.Fatalf("insert key %d failed: %v", e.key, err)
		}
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if err := bt.InsertInTable(1, 10, []byte("ZZ")); !kerrors.Is(err, kerrors.ErrDuplicate) {
		t.Fatalf("duplicate insert should fail with ErrDuplicate, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("file size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("file byte 0x%x changed after rejected insert", i)
		}
	}

	data, err := bt.Find(1, 10)
	if err != nil {
		t.Fatalf("Find(10) failed: %v", err)
	}
	if string(data) != "ABC" {
		t.Errorf("Find(10) = %q after rejected insert, want ABC", data)
	}
}

func TestInsertForcesSplits(t *testing.T) {
	bt := openTestTree(t)

	const n = 200
	for key := uint32(1); key <= n; key++ {
		data := []byte(fmt.Sprintf("%010d", key))
		if err := bt.InsertInTable(1, key, data); err != nil {
			t.Fatalf("insert key %d failed: %v", key, err)
		}
	}

	root, err := bt.GetNodeByPage(1)
	if err != nil {
		t.Fatalf("loading root failed: %v", err)
	}
	if root.Type != PageTypeTableInternal {
		t.Errorf("root type = 0x%02x after 200 inserts, want table internal", root.Type)
	}
	bt.FreeMemNode(root)

	for key := uint32(1); key <= n; key++ {
		data, err := bt.Find(1, key)
		if err != nil {
			t.Fatalf("Find(%d) failed: %v", key, err)
		}
		if string(data) != fmt.Sprintf("%010d", key) {
			t.Errorf("Find(%d) = %q", key, data)
		}
	}

	if count := checkTree(t, bt, 1); count != n {
		t.Errorf("tree holds %d leaf cells, want %d", count, n)
	}
}

func TestInsertShuffledKeys(t *testing.T) {
	bt := openTestTree(t)

	const n = 500
	rng := rand.New(rand.NewSource(42))
	for _, k := range rng.Perm(n) {
		key := uint32(k + 1)
		data := []byte(fmt.Sprintf("row-%05d", key))
		if err := bt.InsertInTable(1, key, data); err != nil {
			t.Fatalf("insert key %d failed: %v", key, err)
		}
	}

	for key := uint32(1); key <= n; key++ {
		data, err := bt.Find(1, key)
		if err != nil {
			t.Fatalf("Find(%d) failed: %v", key, err)
		}
		if string(data) != fmt.Sprintf("row-%05d", key) {
			t.Errorf("Find(%d) = %q", key, data)
		}
	}

	if count := checkTree(t, bt, 1); count != n {
		t.Errorf("tree holds %d leaf cells, want %d", count, n)
	}
}

func TestRootPageNumberNeverChanges(t *testing.T) {
	bt := openTestTree(t)

	// Enough inserts to split the root and then its leaf children many times
	for key := uint32(1); key <= 300; key++ {
		if err := bt.InsertInTable(1, key, make([]byte, 16)); err != nil {
			t.Fatalf("insert key %d failed: %v", key, err)
		}
		// The tree stays reachable from page 1 throughout
		if _, err := bt.Find(1, key); err != nil {
			t.Fatalf("Find(%d) via root page 1 failed: %v", key, err)
		}
	}
}

func TestIndexInsertAndDuplicate(t *testing.T) {
	bt := openTestTree(t)

	root, err := bt.NewNode(PageTypeIndexLeaf)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if err := bt.InsertInIndex(root, 42, 7); err != nil {
		t.Fatalf("index insert failed: %v", err)
	}
	if err := bt.InsertInIndex(root, 42, 8); !kerrors.Is(err, kerrors.ErrDuplicate) {
		t.Errorf("duplicate keyIdx should fail with ErrDuplicate, got %v", err)
	}

	node, err := bt.GetNodeByPage(root)
	if err != nil {
		t.Fatalf("loading index root failed: %v", err)
	}
	defer bt.FreeMemNode(node)
	if node.NCells != 1 {
		t.Fatalf("index root has %d cells, want 1", node.NCells)
	}
	cell, err := node.GetCell(0)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if cell.Key != 42 || cell.KeyPk != 7 {
		t.Errorf("index cell = keyIdx %d keyPk %d, want 42/7", cell.Key, cell.KeyPk)
	}
}

func TestIndexTreeSplits(t *testing.T) {
	bt := openTestTree(t)

	root, err := bt.NewNode(PageTypeIndexLeaf)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	// 12-byte index cells against a 1024-byte page: a few hundred
	// entries force splits through two levels
	const n = 400
	for k := uint32(1); k <= n; k++ {
		if err := bt.InsertInIndex(root, k, k*10); err != nil {
			t.Fatalf("index insert %d failed: %v", k, err)
		}
	}

	node, err := bt.GetNodeByPage(root)
	if err != nil {
		t.Fatalf("loading index root failed: %v", err)
	}
	if node.Type != PageTypeIndexInternal {
		t.Errorf("index root type = 0x%02x after %d inserts, want index internal", node.Type, n)
	}
	bt.FreeMemNode(node)

	checkTree(t, bt, root)

	// Every keyIdx stays present exactly once: re-inserting any of them
	// must be rejected
	for _, k := range []uint32{1, 2, 100, 199, 200, 201, 399, 400} {
		if err := bt.InsertInIndex(root, k, 1); !kerrors.Is(err, kerrors.ErrDuplicate) {
			t.Errorf("re-inserting keyIdx %d should fail with ErrDuplicate, got %v", k, err)
		}
	}
}

func TestSplitPromotesMedian(t *testing.T) {
	bt := openTestTree(t)

	// Build a parent and an overfull child by hand, then split
	parentNo, err := bt.NewNode(PageTypeTableInternal)
	if err != nil {
		t.Fatalf("NewNode(parent) failed: %v", err)
	}
	childNo, err := bt.NewNode(PageTypeTableLeaf)
	if err != nil {
		t.Fatalf("NewNode(child) failed: %v", err)
	}

	child, err := bt.GetNodeByPage(childNo)
	if err != nil {
		t.Fatalf("loading child failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		cell := Cell{Type: PageTypeTableLeaf, Key: uint32(i + 1), DataSize: 4, Data: []byte("data")}
		if err := child.InsertCell(i, cell); err != nil {
			t.Fatalf("InsertCell failed: %v", err)
		}
	}
	if err := bt.WriteNode(child); err != nil {
		t.Fatalf("WriteNode failed: %v", err)
	}
	bt.FreeMemNode(child)

	parent, err := bt.GetNodeByPage(parentNo)
	if err != nil {
		t.Fatalf("loading parent failed: %v", err)
	}
	parent.RightPage = childNo
	if err := bt.WriteNode(parent); err != nil {
		t.Fatalf("WriteNode(parent) failed: %v", err)
	}
	bt.FreeMemNode(parent)

	siblingNo, err := bt.Split(parentNo, childNo, 0)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// Median of keys 1..5 is key 3. A table leaf keeps the median row in
	// the left sibling; the child retains the post-median rows.
	sibling, err := bt.GetNodeByPage(siblingNo)
	if err != nil {
		t.Fatalf("loading sibling failed: %v", err)
	}
	if sibling.NCells != 3 {
		t.Errorf("sibling has %d cells, want 3 (keys 1,2,3)", sibling.NCells)
	}
	last, err := sibling.GetCell(int(sibling.NCells) - 1)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if last.Key != 3 {
		t.Errorf("sibling's last key = %d, want the median 3", last.Key)
	}
	bt.FreeMemNode(sibling)

	child, err = bt.GetNodeByPage(childNo)
	if err != nil {
		t.Fatalf("reloading child failed: %v", err)
	}
	if child.NCells != 2 {
		t.Errorf("child has %d cells, want 2 (keys 4,5)", child.NCells)
	}
	first, err := child.GetCell(0)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if first.Key != 4 {
		t.Errorf("child's first key = %d, want 4", first.Key)
	}
	bt.FreeMemNode(child)

	parent, err = bt.GetNodeByPage(parentNo)
	if err != nil {
		t.Fatalf("reloading parent failed: %v", err)
	}
	defer bt.FreeMemNode(parent)
	sep, err := parent.GetCell(0)
	if err != nil {
		t.Fatalf("GetCell(separator) failed: %v", err)
	}
	if sep.Key != 3 {
		t.Errorf("promoted separator key = %d, want 3", sep.Key)
	}
	if sep.ChildPage != siblingNo {
		t.Errorf("separator points at page %d, want sibling %d", sep.ChildPage, siblingNo)
	}

	// Split never allocates a transient page: parent, child, sibling
	// plus the table root page account for every page in the file
	if n := bt.Pager().NPages(); n != 4 {
		t.Errorf("file has %d pages after split, want 4", n)
	}
}

func TestMultipleTreesShareFile(t *testing.T) {
	bt := openTestTree(t)

	second, err := bt.NewNode(PageTypeTableLeaf)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if err := bt.InsertInTable(1, 7, []byte("first tree")); err != nil {
		t.Fatalf("insert into tree 1 failed: %v", err)
	}
	if err := bt.InsertInTable(second, 7, []byte("second tree")); err != nil {
		t.Fatalf("insert into tree 2 failed: %v", err)
	}

	data, err := bt.Find(1, 7)
	if err != nil || string(data) != "first tree" {
		t.Errorf("tree 1 Find = %q, %v", data, err)
	}
	data, err = bt.Find(second, 7)
	if err != nil || string(data) != "second tree" {
		t.Errorf("tree 2 Find = %q, %v", data, err)
	}
}
