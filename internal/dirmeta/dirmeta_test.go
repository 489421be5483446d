package dirmeta

import (
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	h, err := Create(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.Meta.UUID != id {
		t.Fatalf("expected uuid %v, got %v", id, h.Meta.UUID)
	}
	if h.Meta.CurIdx != 0 {
		t.Fatalf("expected curidx 0, got %d", h.Meta.CurIdx)
	}

	h2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()

	if h2.Meta.UUID != id {
		t.Fatalf("reopened uuid mismatch: got %v want %v", h2.Meta.UUID, id)
	}
}

func TestUpdateIndexAndOffset(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := h.UpdateIndexAndOffset(3, 4096); err != nil {
		t.Fatal(err)
	}

	h2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()

	if h2.Meta.CurIdx != 3 || h2.Meta.NextOffset != 4096 {
		t.Fatalf("expected (3,4096), got (%d,%d)", h2.Meta.CurIdx, h2.Meta.NextOffset)
	}
}

func TestChangedFalseForOwnUpdate(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	h, err := Create(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	changed, err := h.Changed()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected unchanged right after create")
	}

	if err := h.UpdateIndexAndOffset(1, 0); err != nil {
		t.Fatal(err)
	}
	changed, err = h.Changed()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected Changed to be false right after the same handle's own update")
	}
}

func TestChangedDetectsInodeSwap(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	reader, err := Create(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	writer, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	// A second handle republishes `.zsdb` via its own temp-file-then-rename;
	// the first handle's observed inode is now stale.
	if err := writer.UpdateIndexAndOffset(7, 1024); err != nil {
		t.Fatal(err)
	}

	changed, err := reader.Changed()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected Changed to detect the other handle's republish")
	}

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()
	if reloaded.Meta.CurIdx != 7 || reloaded.Meta.NextOffset != 1024 {
		t.Fatalf("expected (7,1024), got (%d,%d)", reloaded.Meta.CurIdx, reloaded.Meta.NextOffset)
	}

	if err := reader.Reload(); err != nil {
		t.Fatal(err)
	}
	if reader.Meta.CurIdx != 7 || reader.Meta.NextOffset != 1024 {
		t.Fatalf("expected reader to pick up (7,1024) after Reload, got (%d,%d)", reader.Meta.CurIdx, reader.Meta.NextOffset)
	}
	changed, err = reader.Changed()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected Changed to be false immediately after Reload")
	}
}

func TestBadSignatureRejected(t *testing.T) {
	dir := t.TempDir()
	h, err := Create(dir, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	// Corrupt the signature bytes directly.
	path := dir + "/" + FileName
	data := make([]byte, Size)
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadAt(data, 0); err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if _, err := f.WriteAt(data, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Open(dir); err == nil {
		t.Fatal("expected Open to reject a corrupted signature")
	}
}
