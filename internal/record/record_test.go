package record

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		deleted bool
		voff    uint64
	}{
		{"short", []byte("foo"), false, 128},
		{"empty", []byte{}, false, 0},
		{"binary", []byte{0, 1, 2, 255}, false, 4096},
		{"delete", []byte("abc"), true, 0},
		{"long", bytes.Repeat([]byte("k"), MaxShortKeyLen+1), false, 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeKey(tt.key, tt.deleted, tt.voff)
			got, n, err := DecodeKey(buf)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(buf) {
				t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
			}
			if !bytes.Equal(got.Key, tt.key) {
				t.Fatalf("key mismatch: got %v want %v", got.Key, tt.key)
			}
			if got.IsDeleted() != tt.deleted {
				t.Fatalf("deleted mismatch: got %v want %v", got.IsDeleted(), tt.deleted)
			}
			if !tt.deleted && got.ValueOffset != tt.voff {
				t.Fatalf("value offset mismatch: got %d want %d", got.ValueOffset, tt.voff)
			}
		})
	}
}

func TestKeyShortLongBoundary(t *testing.T) {
	shortKey := bytes.Repeat([]byte("a"), MaxShortKeyLen)
	longKey := bytes.Repeat([]byte("a"), MaxShortKeyLen+1)

	buf := EncodeKey(shortKey, false, 0)
	kind, err := PeekKind(buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Key {
		t.Fatalf("expected short Key kind, got %x", kind)
	}

	buf = EncodeKey(longKey, false, 0)
	kind, err = PeekKind(buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != LongKey {
		t.Fatalf("expected LongKey kind, got %x", kind)
	}
}

func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		val  []byte
	}{
		{"short", []byte("bar")},
		{"empty", []byte{}},
		{"long", bytes.Repeat([]byte("v"), MaxShortValLen+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeValue(tt.val)
			got, n, err := DecodeValue(buf)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(buf) {
				t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
			}
			if !bytes.Equal(got, tt.val) {
				t.Fatalf("value mismatch: got %v want %v", got, tt.val)
			}
		})
	}
}

func TestValueShortLongBoundary(t *testing.T) {
	short := make([]byte, MaxShortValLen)
	buf := EncodeValue(short)
	kind, err := PeekKind(buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Value {
		t.Fatalf("expected short Value kind, got %x", kind)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	dataCRC := crc32.ChecksumIEEE([]byte("some committed payload"))

	buf := EncodeCommit(22, dataCRC, false)
	got, n, err := DecodeCommit(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if got.Kind != Commit {
		t.Fatalf("expected short Commit, got kind %x", got.Kind)
	}
	if got.DataLen != 22 {
		t.Fatalf("expected data len 22, got %d", got.DataLen)
	}
}

func TestLongCommitRoundTrip(t *testing.T) {
	dataCRC := crc32.ChecksumIEEE([]byte("payload"))
	buf := EncodeCommit(MaxShortValLen+1, dataCRC, false)

	got, n, err := DecodeCommit(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) || n != 24 {
		t.Fatalf("expected 24-byte long commit, got %d bytes", n)
	}
	if got.Kind != LongCommit {
		t.Fatalf("expected LongCommit, got kind %x", got.Kind)
	}
	if got.DataLen != MaxShortValLen+1 {
		t.Fatalf("expected data len %d, got %d", MaxShortValLen+1, got.DataLen)
	}
}

func TestFinalCommitRoundTrip(t *testing.T) {
	dataCRC := crc32.ChecksumIEEE([]byte("bloom+index bytes"))
	buf := EncodeCommit(18, dataCRC, true)

	got, _, err := DecodeCommit(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != Final {
		t.Fatalf("expected Final, got kind %x", got.Kind)
	}
	if !got.IsFinal() {
		t.Fatal("expected IsFinal to report true for a Final commit")
	}

	regular, _, err := DecodeCommit(EncodeCommit(18, dataCRC, false))
	if err != nil {
		t.Fatal(err)
	}
	if regular.IsFinal() {
		t.Fatal("expected IsFinal to report false for an ordinary commit")
	}
}

func TestCombineMatchesDirectChecksum(t *testing.T) {
	a := []byte("the quick brown fox ")
	b := []byte("jumps over the lazy dog")

	crcA := crc32.ChecksumIEEE(a)
	crcB := crc32.ChecksumIEEE(b)

	combined := Combine(crcA, crcB, int64(len(b)))
	direct := crc32.ChecksumIEEE(append(append([]byte{}, a...), b...))

	if combined != direct {
		t.Fatalf("combine mismatch: got %x want %x", combined, direct)
	}
}

func TestCombineZeroLength(t *testing.T) {
	crc := crc32.ChecksumIEEE([]byte("abc"))
	if got := Combine(crc, 0, 0); got != crc {
		t.Fatalf("expected crc1 unchanged for len2=0, got %x want %x", got, crc)
	}
}

func TestPeekKindShortBuffer(t *testing.T) {
	if _, err := PeekKind([]byte{1, 2, 3}); err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}
