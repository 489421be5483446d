package dbfile

import (
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: Version, UUID: uuid.New(), StartIdx: 3, EndIdx: 7}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(buf))
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != h.UUID || got.StartIdx != 3 || got.EndIdx != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHeaderRejectsBadSignature(t *testing.T) {
	h := Header{Version: Version, UUID: uuid.New()}
	buf := h.Encode()
	buf[0] ^= 0xff

	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}

func TestHeaderRejectsCRCMismatch(t *testing.T) {
	h := Header{Version: Version, UUID: uuid.New()}
	buf := h.Encode()
	buf[len(buf)-1] ^= 0xff

	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected CRC mismatch to be rejected")
	}
}

func TestHeaderRejectsStartAfterEnd(t *testing.T) {
	h := Header{Version: Version, UUID: uuid.New(), StartIdx: 5, EndIdx: 2}
	buf := h.Encode()

	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected startidx > endidx to be rejected")
	}
}

func TestHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected short buffer to be rejected")
	}
}
