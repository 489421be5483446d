package dbfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"sort"

	"github.com/ajaysusarla/zeroskip/internal/record"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// Entry is one key decoded from a packed file's data stream.
type Entry struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// PackedWriter streams a finalised file's in-memory index to a new
// packed file in key order: data records first (sealed by an ordinary
// commit), then a self-describing Bloom-filter block and the trailing
// offset index (sealed by a Final/LongFinal commit), mirroring the way
// a teacher SST writer appends its own filter and footer after the
// data block it just streamed.
type PackedWriter struct {
	file    *File
	bloom   *bloom.BloomFilter
	offsets []uint64
}

// CreatePacked opens a brand new packed file for writing. estimateKeys
// sizes the Bloom filter; a caller that doesn't know the exact count up
// front should round up, since oversizing only costs a few more bits
// per key while undersizing raises the false-positive rate.
func CreatePacked(path string, id uuid.UUID, startIdx, endIdx uint32, estimateKeys uint) (*PackedWriter, error) {
	f, err := Create(path, KindPacked, id, startIdx, endIdx)
	if err != nil {
		return nil, err
	}
	if estimateKeys == 0 {
		estimateKeys = 1
	}
	f.CRCBegin()
	return &PackedWriter{
		file:  f,
		bloom: bloom.NewWithEstimates(estimateKeys, 0.01),
	}, nil
}

// WriteEntry appends one key (and its value, unless it's a tombstone)
// to the packed data stream. Callers must present entries in ascending
// key order; CreatePacked's caller is expected to stream a skip list's
// WalkForward, which already yields that order.
func (w *PackedWriter) WriteEntry(key, value []byte, deleted bool) error {
	keyOff := w.file.Offset()

	if deleted {
		if _, err := w.file.WriteRaw(record.EncodeKey(key, true, 0)); err != nil {
			return err
		}
	} else {
		keyBuf := record.EncodeKey(key, false, 0)
		valOff := uint64(keyOff) + uint64(len(keyBuf))
		keyBuf = record.EncodeKey(key, false, valOff)
		if _, err := w.file.WriteRaw(keyBuf); err != nil {
			return err
		}
		if _, err := w.file.WriteRaw(record.EncodeValue(value)); err != nil {
			return err
		}
	}

	w.offsets = append(w.offsets, uint64(keyOff))
	w.bloom.Add(key)
	return nil
}

// Finish seals the data stream with a commit, then writes and seals the
// Bloom block plus offset index with a Final/LongFinal commit, and
// flushes the result to disk.
func (w *PackedWriter) Finish() error {
	dataLen := w.file.CRCLen()
	dataCRC := w.file.CRCEnd()
	if _, err := w.file.WriteRaw(record.EncodeCommit(dataLen, dataCRC, false)); err != nil {
		return fmt.Errorf("dbfile: seal packed data: %w", err)
	}

	w.file.CRCBegin()

	bloomBuf, err := w.bloom.MarshalBinary()
	if err != nil {
		return fmt.Errorf("dbfile: marshal bloom filter: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bloomBuf)))
	if _, err := w.file.WriteRaw(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.file.WriteRaw(bloomBuf); err != nil {
		return err
	}

	for _, off := range w.offsets {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], off)
		if _, err := w.file.WriteRaw(b[:]); err != nil {
			return err
		}
	}

	secondLen := w.file.CRCLen()
	secondCRC := w.file.CRCEnd()
	if _, err := w.file.WriteRaw(record.EncodeCommit(secondLen, secondCRC, true)); err != nil {
		return fmt.Errorf("dbfile: seal packed index: %w", err)
	}

	return w.file.Flush()
}

// Close releases the underlying file without sealing it; callers
// should call Finish first on any writer they mean to keep.
func (w *PackedWriter) Close() error {
	return w.file.Close()
}

// PackedReader opens a packed file for point lookups, loading its
// trailing Bloom filter and offset index up front so Find doesn't have
// to rescan the data stream.
type PackedReader struct {
	file    *File
	bloom   *bloom.BloomFilter
	offsets []uint64 // ascending, one per key, parallel to the on-disk order
}

// OpenPacked opens path and loads its trailing Bloom block and offset
// index, completing the packed-file reader spec.md §9(a) left as an
// open question: the original implementation never read the offset
// index it wrote, so point lookups against packed files always fell
// back to a linear scan.
func OpenPacked(path string) (*PackedReader, error) {
	f, err := Open(path, KindPacked, false)
	if err != nil {
		return nil, err
	}

	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}

	buf := f.Bytes()
	pos := int(HeaderSize)

	// Walk the data stream's sealing commit without caring about its
	// payload; it precedes the second span we actually need to parse.
	dataCommitOff, err := findCommit(buf, pos, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}
	dataCommit, n, err := record.DecodeCommit(buf[dataCommitOff:])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dbfile: packed data commit: %w", err)
	}
	secondStart := dataCommitOff + n

	// The bloom/index span starts with a raw length prefix rather than a
	// record header, so the sealing Final/LongFinal commit is located
	// from the end of the file: a short Final is the last 8 bytes,
	// otherwise a LongFinal is the last 24.
	finalCommitOff := int(size) - 8
	if kind, _ := record.PeekKind(buf[finalCommitOff:]); kind != record.Final {
		finalCommitOff = int(size) - 24
	}
	if finalCommitOff < secondStart {
		f.Close()
		return nil, fmt.Errorf("dbfile: %s: truncated packed file", path)
	}
	finalCommit, _, err := record.DecodeCommit(buf[finalCommitOff:])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dbfile: packed final commit: %w", err)
	}
	if !finalCommit.IsFinal() {
		f.Close()
		return nil, fmt.Errorf("dbfile: %s: expected a Final commit, got kind %x", path, finalCommit.Kind)
	}
	_ = dataCommit

	span := buf[secondStart:finalCommitOff]
	if len(span) < 4 {
		f.Close()
		return nil, fmt.Errorf("dbfile: %s: truncated bloom/index span", path)
	}
	bloomLen := binary.BigEndian.Uint32(span[0:4])
	if int(4+bloomLen) > len(span) {
		f.Close()
		return nil, fmt.Errorf("dbfile: %s: bloom length %d exceeds span", path, bloomLen)
	}
	bloomBuf := span[4 : 4+bloomLen]
	indexBuf := span[4+bloomLen:]
	if len(indexBuf)%8 != 0 {
		f.Close()
		return nil, fmt.Errorf("dbfile: %s: offset index not a multiple of 8 bytes", path)
	}

	filter := &bloom.BloomFilter{}
	if bloomLen > 0 {
		if err := filter.UnmarshalBinary(bloomBuf); err != nil {
			f.Close()
			return nil, fmt.Errorf("dbfile: unmarshal bloom filter: %w", err)
		}
	} else {
		filter = nil
	}

	offsets := make([]uint64, len(indexBuf)/8)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint64(indexBuf[i*8 : i*8+8])
	}

	return &PackedReader{file: f, bloom: filter, offsets: offsets}, nil
}

// findCommit scans forward from pos looking for a Commit, LongCommit,
// Final or LongFinal header, skipping over Key/Value/Deleted records by
// their declared length.
func findCommit(buf []byte, pos, limit int) (int, error) {
	for pos < limit {
		kind, err := record.PeekKind(buf[pos:])
		if err != nil {
			return 0, err
		}
		switch {
		case kind == record.Commit || kind == record.LongCommit ||
			kind == record.Final || kind == record.LongFinal:
			return pos, nil
		case kind&record.Key != 0 || kind&record.Deleted != 0:
			kr, n, err := record.DecodeKey(buf[pos:])
			if err != nil {
				return 0, err
			}
			pos += n
			if !kr.IsDeleted() {
				_, vn, err := record.DecodeValue(buf[pos:])
				if err != nil {
					return 0, err
				}
				pos += vn
			}
		default:
			return 0, fmt.Errorf("dbfile: unexpected record kind %x while scanning for commit", kind)
		}
	}
	return 0, fmt.Errorf("dbfile: no commit record found")
}

// MaybeContains reports whether key might be present in this packed
// file. A false return is definitive; a true return still requires
// Find to confirm.
func (r *PackedReader) MaybeContains(key []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.Test(key)
}

// Find looks up key via binary search over the offset index and
// decodes its key/value pair. found is false if the key isn't present
// in this file at all; deleted is true if its newest record here is a
// tombstone.
func (r *PackedReader) Find(key []byte) (value []byte, deleted bool, found bool, err error) {
	if !r.MaybeContains(key) {
		return nil, false, false, nil
	}

	buf := r.file.Bytes()
	i := sort.Search(len(r.offsets), func(i int) bool {
		kr, _, derr := record.DecodeKey(buf[r.offsets[i]:])
		if derr != nil {
			return true
		}
		return string(kr.Key) >= string(key)
	})
	if i >= len(r.offsets) {
		return nil, false, false, nil
	}

	kr, n, err := record.DecodeKey(buf[r.offsets[i]:])
	if err != nil {
		return nil, false, false, err
	}
	if string(kr.Key) != string(key) {
		return nil, false, false, nil
	}
	if kr.IsDeleted() {
		return nil, true, true, nil
	}

	val, _, err := record.DecodeValue(buf[r.offsets[i]+uint64(n):])
	if err != nil {
		return nil, false, false, err
	}
	return val, false, true, nil
}

// WalkPrefix yields every entry whose key starts with prefix, in
// ascending order, for the merge iterator Foreach builds across
// memtree, fmemtree and every packed file.
func (r *PackedReader) WalkPrefix(prefix []byte) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		buf := r.file.Bytes()
		i := sort.Search(len(r.offsets), func(i int) bool {
			kr, _, derr := record.DecodeKey(buf[r.offsets[i]:])
			if derr != nil {
				return true
			}
			return string(kr.Key) >= string(prefix)
		})
		for ; i < len(r.offsets); i++ {
			kr, n, err := record.DecodeKey(buf[r.offsets[i]:])
			if err != nil {
				return
			}
			if !bytes.HasPrefix(kr.Key, prefix) {
				return
			}
			if kr.IsDeleted() {
				if !yield(Entry{Key: kr.Key, Deleted: true}) {
					return
				}
				continue
			}
			val, _, err := record.DecodeValue(buf[r.offsets[i]+uint64(n):])
			if err != nil {
				return
			}
			if !yield(Entry{Key: kr.Key, Value: val}) {
				return
			}
		}
	}
}

// Close releases the underlying mapping.
func (r *PackedReader) Close() error {
	return r.file.Close()
}
