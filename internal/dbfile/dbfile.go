// Package dbfile implements a single zeroskip DB file: its 40-byte
// header, the record stream that follows, and the active/finalised/
// packed lifecycle transitions (open, validate, write, finalise,
// close). Sequential record replay and the in-memory index it feeds are
// the DB engine's concern; this package only owns bytes on disk.
package dbfile

import (
	"fmt"
	"os"

	"github.com/ajaysusarla/zeroskip/internal/mfile"
	"github.com/google/uuid"
)

// Kind classifies a DB file's role within a directory.
type Kind int

const (
	KindActive Kind = iota
	KindFinalised
	KindPacked
)

func (k Kind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindFinalised:
		return "finalised"
	case KindPacked:
		return "packed"
	default:
		return "unknown"
	}
}

// File is an open DB file: a mapped file plus its parsed header.
// Priority is left at zero by this package and by the engine, which
// ranks files by their position in its own lists.
type File struct {
	Kind     Kind
	Path     string
	Header   Header
	Priority int
	Dirty    bool

	mf *mfile.File
}

// Create makes a brand new, empty (header-only) DB file at path.
func Create(path string, kind Kind, id uuid.UUID, startIdx, endIdx uint32) (*File, error) {
	mf, err := mfile.Open(path, mfile.FlagRead|mfile.FlagWrite|mfile.FlagCreate|mfile.FlagExcl)
	if err != nil {
		return nil, fmt.Errorf("dbfile: create %s: %w", path, err)
	}

	hdr := Header{Version: Version, UUID: id, StartIdx: startIdx, EndIdx: endIdx}
	if _, err := mf.Write(hdr.Encode()); err != nil {
		mf.Close()
		return nil, fmt.Errorf("dbfile: write header: %w", err)
	}
	if err := mf.Flush(); err != nil {
		mf.Close()
		return nil, err
	}

	return &File{Kind: kind, Path: path, Header: hdr, mf: mf}, nil
}

// Open opens and validates an existing DB file, positioning its write
// offset at the end of the file. writable controls whether the mapping accepts writes; callers
// pass false for finalised/packed files (always immutable) and for an
// active file opened under a read-only DB.
func Open(path string, kind Kind, writable bool) (*File, error) {
	flag := mfile.FlagRead
	if writable {
		flag |= mfile.FlagWrite
	}
	mf, err := mfile.Open(path, flag)
	if err != nil {
		return nil, fmt.Errorf("dbfile: open %s: %w", path, err)
	}

	size, err := mf.Size()
	if err != nil {
		mf.Close()
		return nil, err
	}
	if size < HeaderSize {
		mf.Close()
		return nil, fmt.Errorf("dbfile: %s too small to hold a header (%d bytes)", path, size)
	}

	hdr, err := DecodeHeader(mf.Bytes()[:HeaderSize])
	if err != nil {
		mf.Close()
		return nil, fmt.Errorf("dbfile: %s: %w", path, err)
	}

	if err := mf.Seek(size); err != nil {
		mf.Close()
		return nil, err
	}

	return &File{Kind: kind, Path: path, Header: hdr, mf: mf}, nil
}

// Bytes returns the full mapped file, header included. Record replay
// should start at HeaderSize.
func (f *File) Bytes() []byte {
	return f.mf.Bytes()
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	return f.mf.Size()
}

// WriteRaw appends buf at the current write position and returns the
// offset it was written at.
func (f *File) WriteRaw(buf []byte) (int64, error) {
	off := f.mf.Offset()
	if _, err := f.mf.Write(buf); err != nil {
		return 0, err
	}
	return off, nil
}

// CRCBegin/CRCEnd/CRCLen expose the mapped file's rolling CRC32 over
// appended bytes, used to seal commit records (spec.md §4.3).
func (f *File) CRCBegin()      { f.mf.CRCBegin() }
func (f *File) CRCEnd() uint32 { return f.mf.CRCEnd() }
func (f *File) CRCLen() int64  { return f.mf.CRCLen() }

// MarkDirty records that data has been appended to the file since its
// last commit (spec.md §4.7 Add protocol step 5).
func (f *File) MarkDirty() { f.Dirty = true }

// ClearDirty records that a commit record now seals every byte written
// so far (spec.md §4.7 Commit).
func (f *File) ClearDirty() { f.Dirty = false }

// Offset returns the current write offset, the file offset the next
// WriteRaw call will land at.
func (f *File) Offset() int64 {
	return f.mf.Offset()
}

// Flush msyncs the mapping.
func (f *File) Flush() error {
	return f.mf.Flush()
}

// Truncate truncates the file (and its mapping) to length, discarding
// any uncommitted tail left by a prior crash.
func (f *File) Truncate(length int64) error {
	if err := f.mf.Truncate(length); err != nil {
		return err
	}
	return f.mf.Seek(length)
}

// Seek repositions the write offset, e.g. back to HeaderSize before a
// replay, or to the current size after one.
func (f *File) Seek(offset int64) error {
	return f.mf.Seek(offset)
}

// Close flushes and releases the underlying mapping.
func (f *File) Close() error {
	if f.mf == nil {
		return nil
	}
	_ = f.mf.Flush()
	err := f.mf.Close()
	f.mf = nil
	return err
}

// Rename renames the file on disk to newPath and updates Path; used to
// publish a finalised file under its `-<idx>` suffix.
func (f *File) Rename(newPath string) error {
	if err := os.Rename(f.Path, newPath); err != nil {
		return fmt.Errorf("dbfile: rename %s -> %s: %w", f.Path, newPath, err)
	}
	f.Path = newPath
	return nil
}
