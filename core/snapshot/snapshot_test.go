package snapshot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTestDB(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "test.cdb")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestCreateAndVerify(t *testing.T) {
	dir := t.TempDir()
	db := writeTestDB(t, dir, 4096)
	snap := filepath.Join(dir, "test.cdb.xz")

	m, err := Create(db, snap)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.ID == "" {
		t.Error("manifest has no ID")
	}
	if m.Size != 4096 {
		t.Errorf("manifest size = %d, want 4096", m.Size)
	}
	if m.Source != "test.cdb" {
		t.Errorf("manifest source = %q", m.Source)
	}

	got, err := Verify(snap)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("verify returned manifest %s, want %s", got.ID, m.ID)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	db := writeTestDB(t, dir, 2048)
	snap := filepath.Join(dir, "test.cdb.xz")

	if _, err := Create(db, snap); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Corrupt the recorded digest rather than the xz stream, so the
	// failure is kora's check and not the decompressor's
	manifestPath := snap + ManifestSuffix
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	tampered := bytes.Replace(raw, []byte(`"blake3": "`), []byte(`"blake3": "00`), 1)
	if err := os.WriteFile(manifestPath, tampered, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Verify(snap); err == nil {
		t.Error("Verify should fail after manifest tampering")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db := writeTestDB(t, dir, 8192)
	snap := filepath.Join(dir, "test.cdb.xz")

	if _, err := Create(db, snap); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dst := filepath.Join(dir, "restored.cdb")
	if err := Restore(snap, dst); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	orig, _ := os.ReadFile(db)
	restored, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(orig, restored) {
		t.Error("restored file differs from the original")
	}

	// A second restore must refuse to overwrite
	if err := Restore(snap, dst); err == nil {
		t.Error("Restore should refuse to overwrite an existing file")
	}
}

func TestVerifyAll(t *testing.T) {
	dir := t.TempDir()

	for i, size := range []int{1024, 2048, 3072} {
		db := writeTestDB(t, t.TempDir(), size)
		snap := filepath.Join(dir, filepath.Base(db)+string(rune('a'+i))+".xz")
		if _, err := Create(db, snap); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	results, err := VerifyAll(dir)
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("VerifyAll saw %d snapshots, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("snapshot %s failed verification: %v", r.Path, r.Err)
		}
	}
}
