// Package snapshot creates and verifies compressed copies of database
// files. A snapshot is an xz-compressed image of the file plus a JSON
// manifest carrying a unique ID and a BLAKE3 digest of the uncompressed
// bytes, so a snapshot can be checked without touching the original.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/internal/logging"
)

// ManifestSuffix is appended to the snapshot path to name its manifest.
const ManifestSuffix = ".json"

// Manifest describes one snapshot.
type Manifest struct {
	// ID uniquely identifies the snapshot.
	ID string `json:"id"`

	// Source is the base name of the database file the snapshot was
	// taken from.
	Source string `json:"source"`

	// Size is the uncompressed size in bytes.
	Size int64 `json:"size"`

	// BLAKE3 is the hex digest of the uncompressed bytes.
	BLAKE3 string `json:"blake3"`

	// CreatedAt is the snapshot creation time.
	CreatedAt time.Time `json:"created_at"`
}

// digest returns the hex BLAKE3 digest of data.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Create snapshots the database file at dbPath into outPath (conventionally
// ending in .cdb.xz) and writes the manifest next to it.
func Create(dbPath, outPath string) (*Manifest, error) {
	data, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, kerrors.NewIO("read", dbPath, err)
	}

	m := &Manifest{
		ID:        uuid.NewString(),
		Source:    filepath.Base(dbPath),
		Size:      int64(len(data)),
		BLAKE3:    digest(data),
		CreatedAt: time.Now().UTC(),
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, kerrors.NewIO("create", outPath, err)
	}
	xzw, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return nil, kerrors.Wrap(err, "initializing xz writer")
	}
	if _, err := xzw.Write(data); err != nil {
		out.Close()
		return nil, kerrors.NewIO("compress to", outPath, err)
	}
	if err := xzw.Close(); err != nil {
		out.Close()
		return nil, kerrors.NewIO("finalize", outPath, err)
	}
	if err := out.Close(); err != nil {
		return nil, kerrors.NewIO("close", outPath, err)
	}

	if err := writeManifest(outPath+ManifestSuffix, m); err != nil {
		return nil, err
	}

	logging.ForComponent("snapshot").Info("snapshot created",
		"id", m.ID, "source", m.Source, "size", m.Size)
	return m, nil
}

// Verify decompresses the snapshot at snapPath, recomputes the digest,
// and compares it with the manifest. Returns the manifest on success.
func Verify(snapPath string) (*Manifest, error) {
	m, err := readManifest(snapPath + ManifestSuffix)
	if err != nil {
		return nil, err
	}

	data, err := decompress(snapPath)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != m.Size {
		return nil, fmt.Errorf("snapshot %s: size %d, manifest says %d", snapPath, len(data), m.Size)
	}
	if got := digest(data); got != m.BLAKE3 {
		return nil, fmt.Errorf("snapshot %s: digest mismatch: got %s, want %s", snapPath, got, m.BLAKE3)
	}
	return m, nil
}

// Result is the outcome of verifying one snapshot.
type Result struct {
	Path     string
	Manifest *Manifest
	Err      error
}

// VerifyAll verifies every *.xz snapshot under dir concurrently and
// returns one result per snapshot, ordered by path.
func VerifyAll(dir string) ([]Result, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.xz"))
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(paths))
	var g errgroup.Group
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			m, err := Verify(path)
			results[i] = Result{Path: path, Manifest: m, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Restore verifies the snapshot and writes its uncompressed contents to
// dstPath. It refuses to overwrite an existing file.
func Restore(snapPath, dstPath string) error {
	if _, err := os.Stat(dstPath); err == nil {
		return fmt.Errorf("refusing to overwrite %s", dstPath)
	}

	m, err := Verify(snapPath)
	if err != nil {
		return err
	}
	data, err := decompress(snapPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, data, 0644); err != nil {
		return kerrors.NewIO("write", dstPath, err)
	}

	logging.ForComponent("snapshot").Info("snapshot restored",
		"id", m.ID, "dest", dstPath)
	return nil
}

func decompress(snapPath string) ([]byte, error) {
	in, err := os.Open(snapPath)
	if err != nil {
		return nil, kerrors.NewIO("open", snapPath, err)
	}
	defer in.Close()

	xzr, err := xz.NewReader(in)
	if err != nil {
		return nil, kerrors.Wrap(err, "initializing xz reader")
	}
	data, err := io.ReadAll(xzr)
	if err != nil {
		return nil, kerrors.NewIO("decompress", snapPath, err)
	}
	return data, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return kerrors.Wrap(err, "marshaling manifest")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return kerrors.NewIO("write", path, err)
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.NewIO("read", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, kerrors.Wrap(err, "parsing manifest")
	}
	return &m, nil
}
