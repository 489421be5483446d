package mfile

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempFile(t *testing.T, fn func(path string)) {
	t.Helper()
	dir := t.TempDir()
	fn(filepath.Join(dir, "mfile-test"))
}

func TestOpenCreateEmpty(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 0 {
			t.Fatalf("expected size 0, got %d", size)
		}
	})
}

func TestWriteReadRoundTrip(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		want := []byte("hello zeroskip")
		if _, err := f.Write(want); err != nil {
			t.Fatal(err)
		}
		if err := f.Seek(0); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, len(want))
		n, err := f.Read(got)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(want) {
			t.Fatalf("expected %d bytes read, got %d", len(want), n)
		}
		if string(got) != string(want) {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestWriteGrowsAndRemaps(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		chunk := make([]byte, 4096)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		for i := 0; i < 4; i++ {
			if _, err := f.Write(chunk); err != nil {
				t.Fatal(err)
			}
		}

		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != int64(len(chunk)*4) {
			t.Fatalf("expected size %d, got %d", len(chunk)*4, size)
		}
	})
}

func TestSeekBeyondFails(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		if _, err := f.Write([]byte("abc")); err != nil {
			t.Fatal(err)
		}
		if err := f.Seek(100); err != ErrSeekBeyond {
			t.Fatalf("expected ErrSeekBeyond, got %v", err)
		}
	})
}

func TestCRCBeginEnd(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		if _, err := f.Write([]byte("prefix-not-covered")); err != nil {
			t.Fatal(err)
		}

		f.CRCBegin()
		payload := []byte("covered-by-crc")
		if _, err := f.Write(payload); err != nil {
			t.Fatal(err)
		}
		got := f.CRCEnd()

		want := crcOf(payload)
		if got != want {
			t.Fatalf("expected crc %x, got %x", want, got)
		}
	})
}

func TestTruncateClearsMapping(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		if _, err := f.Write([]byte("some data")); err != nil {
			t.Fatal(err)
		}
		if err := f.Truncate(0); err != nil {
			t.Fatal(err)
		}
		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 0 {
			t.Fatalf("expected size 0 after truncate, got %d", size)
		}
	})
}

func TestSizeObservesExternalGrowth(t *testing.T) {
	withTempFile(t, func(path string) {
		f, err := Open(path, FlagRead|FlagWrite|FlagCreate)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		if _, err := f.Write([]byte("abc")); err != nil {
			t.Fatal(err)
		}
		if err := f.Flush(); err != nil {
			t.Fatal(err)
		}

		raw, err := os.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			t.Fatal(err)
		}
		if err := raw.Truncate(10); err != nil {
			t.Fatal(err)
		}
		raw.Close()

		size, err := f.Size()
		if err != nil {
			t.Fatal(err)
		}
		if size != 10 {
			t.Fatalf("expected observed size 10, got %d", size)
		}
	})
}

func crcOf(p []byte) uint32 {
	var f File
	f.CRCBegin()
	f.crcUpdate(p)
	return f.CRCEnd()
}
