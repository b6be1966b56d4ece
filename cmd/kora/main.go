// Command kora is the CLI for kora database files. It can create files,
// insert and look up table entries, walk a tree with a cursor, dump page
// and header contents, and manage snapshots.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/koradb/kora/core/btree"
	"github.com/koradb/kora/core/dbm"
	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/core/pager"
	"github.com/koradb/kora/core/snapshot"
	"github.com/koradb/kora/internal/inspect"
	"github.com/koradb/kora/internal/logging"
)

const version = "0.1.0"

// CLI defines the command-line interface for kora.
var CLI struct {
	// Global flags
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level"`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log output format"`

	Create  CreateCmd  `cmd:"" help:"Create an empty database file"`
	Put     PutCmd     `cmd:"" help:"Insert a key/data entry into a table tree"`
	Get     GetCmd     `cmd:"" help:"Look up the data stored under a key"`
	Scan    ScanCmd    `cmd:"" help:"Walk a table tree in key order"`
	Header  HeaderCmd  `cmd:"" help:"Dump the 100-byte file header"`
	Pages   PagesCmd   `cmd:"" help:"Summarize every page of the file"`
	Inspect InspectCmd `cmd:"" help:"Browse pages interactively"`
	Index   IndexGroup `cmd:"" help:"Index tree operations"`
	Backup  BackupGroup `cmd:"" help:"Snapshot operations"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// CreateCmd creates an empty database file.
type CreateCmd struct {
	Path string `arg:"" help:"Database file to create"`
}

func (c *CreateCmd) Run() error {
	if _, err := os.Stat(c.Path); err == nil {
		return fmt.Errorf("%s already exists", c.Path)
	}
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()
	fmt.Printf("created %s (page size %d)\n", c.Path, bt.Pager().PageSize())
	return nil
}

// PutCmd inserts a table entry.
type PutCmd struct {
	Path string `arg:"" help:"Database file"`
	Key  uint32 `arg:"" help:"Entry key"`
	Data string `arg:"" help:"Entry data"`
	Root uint32 `name:"root" default:"1" help:"Root page of the table tree"`
}

func (c *PutCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	if err := bt.InsertInTable(pager.Pgno(c.Root), c.Key, []byte(c.Data)); err != nil {
		return err
	}
	fmt.Printf("inserted key %d (%d bytes)\n", c.Key, len(c.Data))
	return nil
}

// GetCmd looks up a table entry.
type GetCmd struct {
	Path string `arg:"" help:"Database file"`
	Key  uint32 `arg:"" help:"Entry key"`
	Root uint32 `name:"root" default:"1" help:"Root page of the table tree"`
}

func (c *GetCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	data, err := bt.Find(pager.Pgno(c.Root), c.Key)
	if kerrors.Is(err, kerrors.ErrNotFound) {
		return fmt.Errorf("key %d not found", c.Key)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	return nil
}

// ScanCmd walks a table tree in key order with a cursor.
type ScanCmd struct {
	Path     string `arg:"" help:"Database file"`
	Root     uint32 `name:"root" default:"1" help:"Root page of the table tree"`
	Backward bool   `name:"backward" help:"Walk from the last key to the first"`
}

func (c *ScanCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	cur, err := dbm.New(bt, pager.Pgno(c.Root))
	if err != nil {
		return err
	}
	defer cur.Close()

	forward := !c.Backward
	err = cur.Rewind(forward)
	for ; err == nil; err = cur.Move(forward) {
		cell := cur.Cell()
		fmt.Printf("%d\t%s\n", cell.Key, cell.Data)
	}
	if !kerrors.Is(err, kerrors.ErrCantMove) {
		return err
	}
	return nil
}

// HeaderCmd dumps the file header as a hex listing followed by the page size.
type HeaderCmd struct {
	Path string `arg:"" help:"Database file"`
}

func (c *HeaderCmd) Run() error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [pager.HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	for off := 0; off < len(hdr); off += 16 {
		end := off + 16
		if end > len(hdr) {
			end = len(hdr)
		}
		fmt.Printf("%04x ", off)
		for _, b := range hdr[off:end] {
			fmt.Printf(" %02x", b)
		}
		fmt.Println()
	}
	fmt.Printf("page size: %d\n", binary.BigEndian.Uint16(hdr[0x10:]))
	return nil
}

// PagesCmd prints one summary line per page.
type PagesCmd struct {
	Path string `arg:"" help:"Database file"`
}

func (c *PagesCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	n := bt.Pager().NPages()
	for pgno := pager.Pgno(1); pgno <= n; pgno++ {
		node, err := bt.GetNodeByPage(pgno)
		if err != nil {
			return err
		}
		kind := "leaf"
		right := ""
		if node.IsInternal() {
			kind = "internal"
			right = fmt.Sprintf("  right=%d", node.RightPage)
		}
		fmt.Printf("page %-4d type=0x%02x %-8s cells=%-4d free=%d%s\n",
			pgno, node.Type, kind, node.NCells, node.FreeSpace(), right)
		bt.FreeMemNode(node)
	}
	return nil
}

// InspectCmd opens the interactive page browser.
type InspectCmd struct {
	Path string `arg:"" help:"Database file"`
}

func (c *InspectCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()
	return inspect.Run(bt, c.Path)
}

// IndexGroup contains index tree operations.
type IndexGroup struct {
	Create IndexCreateCmd `cmd:"" help:"Create an index tree and print its root page"`
	Put    IndexPutCmd    `cmd:"" help:"Insert a (keyIdx, keyPk) entry"`
}

// IndexCreateCmd allocates a fresh index root.
type IndexCreateCmd struct {
	Path string `arg:"" help:"Database file"`
}

func (c *IndexCreateCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	root, err := bt.NewNode(btree.PageTypeIndexLeaf)
	if err != nil {
		return err
	}
	fmt.Printf("index root: page %d\n", root)
	return nil
}

// IndexPutCmd inserts an index entry.
type IndexPutCmd struct {
	Path   string `arg:"" help:"Database file"`
	Root   uint32 `arg:"" help:"Root page of the index tree"`
	KeyIdx uint32 `arg:"" help:"Indexed key"`
	KeyPk  uint32 `arg:"" help:"Primary key the entry points at"`
}

func (c *IndexPutCmd) Run() error {
	bt, err := btree.Open(c.Path)
	if err != nil {
		return err
	}
	defer bt.Close()

	if err := bt.InsertInIndex(pager.Pgno(c.Root), c.KeyIdx, c.KeyPk); err != nil {
		return err
	}
	fmt.Printf("indexed %d -> %d\n", c.KeyIdx, c.KeyPk)
	return nil
}

// BackupGroup contains snapshot operations.
type BackupGroup struct {
	Create  BackupCreateCmd  `cmd:"" help:"Snapshot a database file"`
	Verify  BackupVerifyCmd  `cmd:"" help:"Verify one snapshot"`
	VerifyAll BackupVerifyAllCmd `cmd:"" name:"verify-all" help:"Verify every snapshot in a directory"`
	Restore BackupRestoreCmd `cmd:"" help:"Restore a snapshot"`
}

// BackupCreateCmd snapshots a database file.
type BackupCreateCmd struct {
	Path   string `arg:"" help:"Database file"`
	Output string `name:"output" short:"o" help:"Snapshot path (default: <file>.xz)"`
}

func (c *BackupCreateCmd) Run() error {
	out := c.Output
	if out == "" {
		out = c.Path + ".xz"
	}
	m, err := snapshot.Create(c.Path, out)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s (%d bytes, blake3 %s)\n", m.ID, m.Size, m.BLAKE3[:16])
	return nil
}

// BackupVerifyCmd verifies a snapshot against its manifest.
type BackupVerifyCmd struct {
	Snapshot string `arg:"" help:"Snapshot file (.xz)"`
}

func (c *BackupVerifyCmd) Run() error {
	m, err := snapshot.Verify(c.Snapshot)
	if err != nil {
		return err
	}
	fmt.Printf("ok: %s (%s, %d bytes)\n", c.Snapshot, m.ID, m.Size)
	return nil
}

// BackupVerifyAllCmd verifies a directory of snapshots.
type BackupVerifyAllCmd struct {
	Dir string `arg:"" help:"Directory holding snapshots"`
}

func (c *BackupVerifyAllCmd) Run() error {
	results, err := snapshot.VerifyAll(c.Dir)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", r.Path, r.Err)
			continue
		}
		fmt.Printf("ok   %s (%s)\n", r.Path, r.Manifest.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed verification", failed, len(results))
	}
	return nil
}

// BackupRestoreCmd restores a snapshot to a new file.
type BackupRestoreCmd struct {
	Snapshot string `arg:"" help:"Snapshot file (.xz)"`
	Dest     string `arg:"" help:"Destination database file"`
}

func (c *BackupRestoreCmd) Run() error {
	if err := snapshot.Restore(c.Snapshot, c.Dest); err != nil {
		return err
	}
	fmt.Printf("restored %s\n", c.Dest)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("kora %s\n", version)
	return nil
}

func initLogging() {
	level := logging.LevelInfo
	switch CLI.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	format := logging.FormatText
	if CLI.LogFormat == "json" {
		format = logging.FormatJSON
	}
	logging.InitLogger(level, format)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("kora"),
		kong.Description("A didactic B-Tree database file tool"),
		kong.UsageOnError(),
	)
	initLogging()
	ctx.FatalIfErrorf(ctx.Run())
}
