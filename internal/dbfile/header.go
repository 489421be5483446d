package dbfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Signature identifies a zeroskip DB file header (spec.md §4.4).
const Signature uint64 = 0x5a45524f534b4950 // "ZEROSKIP"

// Version is the only header version this module understands.
const Version uint32 = 1

// HeaderSize is the fixed on-disk size of a DB file header.
const HeaderSize = 40

// headerCRCCoverage is the number of leading header bytes the header's
// own CRC32 is computed over (everything but the CRC field itself).
const headerCRCCoverage = 36

// Header is the 40-byte header every DB file (active, finalised or
// packed) begins with.
type Header struct {
	Version  uint32
	UUID     uuid.UUID
	StartIdx uint32
	EndIdx   uint32
	CRC32    uint32
}

// Encode renders h as the 40-byte on-disk header, computing CRC32 over
// bytes [0, 36).
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], Signature)
	binary.BigEndian.PutUint32(buf[8:12], h.Version)
	copy(buf[12:28], h.UUID[:])
	binary.BigEndian.PutUint32(buf[28:32], h.StartIdx)
	binary.BigEndian.PutUint32(buf[32:36], h.EndIdx)

	crc := crc32.ChecksumIEEE(buf[:headerCRCCoverage])
	binary.BigEndian.PutUint32(buf[36:40], crc)
	return buf
}

// DecodeHeader parses and validates a 40-byte header: signature,
// version, and CRC32 must all check out.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("dbfile: short header (%d bytes)", len(buf))
	}

	sig := binary.BigEndian.Uint64(buf[0:8])
	if sig != Signature {
		return Header{}, fmt.Errorf("dbfile: bad signature %x", sig)
	}

	version := binary.BigEndian.Uint32(buf[8:12])
	if version != Version {
		return Header{}, fmt.Errorf("dbfile: unsupported version %d", version)
	}

	var id uuid.UUID
	copy(id[:], buf[12:28])
	startIdx := binary.BigEndian.Uint32(buf[28:32])
	endIdx := binary.BigEndian.Uint32(buf[32:36])
	crc := binary.BigEndian.Uint32(buf[36:40])

	want := crc32.ChecksumIEEE(buf[:headerCRCCoverage])
	if want != crc {
		return Header{}, fmt.Errorf("dbfile: header crc mismatch: got %x want %x", crc, want)
	}

	if startIdx > endIdx {
		return Header{}, fmt.Errorf("dbfile: startidx %d > endidx %d", startIdx, endIdx)
	}

	return Header{Version: version, UUID: id, StartIdx: startIdx, EndIdx: endIdx, CRC32: crc}, nil
}
