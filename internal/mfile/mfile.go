// Package mfile provides a memory-mapped file abstraction: open, read,
// write, flush, truncate and seek over a file whose contents are kept
// mapped with MAP_SHARED, plus a rolling CRC32 accumulator over a
// caller-delimited byte range.
package mfile

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArg is returned for operations on a nil or closed handle.
	ErrInvalidArg = errors.New("mfile: invalid argument")
	// ErrSeekBeyond is returned when Seek is asked to move past the
	// current mapped size.
	ErrSeekBeyond = errors.New("mfile: seek beyond file size")
)

// Flag controls how Open opens the underlying file.
type Flag int

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagCreate
	FlagExcl
)

// File is a memory-mapped file with an explicit logical read/write
// offset and an optional rolling CRC32 over appended bytes.
type File struct {
	f        *os.File
	data     []byte
	size     int64
	offset   int64
	writable bool

	crcActive bool
	crcBegin  int64
	crcValue  uint32
	crcLen    int64
}

// Open opens path according to flag. If the file is non-empty its
// contents are mapped MAP_SHARED immediately; an empty or newly created
// file is left unmapped until the first Write or Grow.
func Open(path string, flag Flag) (*File, error) {
	osFlag := os.O_RDONLY
	switch {
	case flag&FlagRead != 0 && flag&FlagWrite != 0:
		osFlag = os.O_RDWR
	case flag&FlagWrite != 0:
		osFlag = os.O_RDWR
	}
	if flag&FlagCreate != 0 {
		osFlag |= os.O_CREATE
	}
	if flag&FlagExcl != 0 {
		osFlag |= os.O_EXCL
	}

	f, err := os.OpenFile(path, osFlag, 0666)
	if err != nil {
		return nil, fmt.Errorf("mfile: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mfile: stat %s: %w", path, err)
	}

	mf := &File{
		f:        f,
		writable: flag&FlagWrite != 0,
		size:     stat.Size(),
	}
	if stat.Size() > 0 {
		if err := mf.mapFile(stat.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return mf, nil
}

func (f *File) prot() int {
	if f.writable {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}

func (f *File) mapFile(size int64) error {
	if size == 0 {
		f.data = nil
		f.size = 0
		return nil
	}
	data, err := unix.Mmap(int(f.f.Fd()), 0, int(size), f.prot(), unix.MAP_SHARED)
	if err != nil {
		f.f.Close()
		f.f = nil
		f.data = nil
		return fmt.Errorf("mfile: mmap: %w", err)
	}
	f.data = data
	f.size = size
	return nil
}

func (f *File) unmap() error {
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	if err != nil {
		return fmt.Errorf("mfile: munmap: %w", err)
	}
	return nil
}

// Grow ensures the mapping covers at least newSize bytes, truncating and
// remapping the underlying file if necessary. remapped reports whether a
// remap actually occurred, letting callers invalidate any previously
// borrowed slice of Bytes().
func (f *File) Grow(newSize int64) (remapped bool, err error) {
	if f == nil || f.f == nil {
		return false, ErrInvalidArg
	}
	if newSize <= f.size {
		return false, nil
	}
	if err := f.unmap(); err != nil {
		f.invalidate()
		return false, err
	}
	if err := f.f.Truncate(newSize); err != nil {
		f.invalidate()
		return false, fmt.Errorf("mfile: truncate: %w", err)
	}
	if err := f.mapFile(newSize); err != nil {
		return false, err
	}
	return true, nil
}

// invalidate moves the handle into an unusable state after an
// unrecoverable remap failure, closing the fd so the caller cannot
// accidentally keep using it.
func (f *File) invalidate() {
	if f.f != nil {
		f.f.Close()
		f.f = nil
	}
	f.data = nil
	f.size = 0
}

// Read copies up to len(buf) bytes starting at the logical offset,
// never reading past the mapped size, and advances the offset.
func (f *File) Read(buf []byte) (int, error) {
	if f == nil || f.f == nil {
		return 0, ErrInvalidArg
	}
	avail := f.size - f.offset
	if avail <= 0 {
		return 0, nil
	}
	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	copy(buf[:n], f.data[f.offset:f.offset+n])
	f.offset += n
	return int(n), nil
}

// ReadAt copies up to len(buf) bytes starting at off, without touching
// the logical offset. It never reads past the mapped size.
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	if f == nil || f.f == nil {
		return 0, ErrInvalidArg
	}
	if off > f.size {
		return 0, nil
	}
	avail := f.size - off
	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	copy(buf[:n], f.data[off:off+n])
	return int(n), nil
}

// Write appends buf at the logical offset, growing the mapping if
// necessary, and advances the offset. When CRC tracking is active the
// written bytes are folded into the rolling checksum.
func (f *File) Write(buf []byte) (int, error) {
	if f == nil || f.f == nil {
		return 0, ErrInvalidArg
	}
	end := f.offset + int64(len(buf))
	if end > f.size {
		if _, err := f.Grow(end); err != nil {
			return 0, err
		}
	}
	copy(f.data[f.offset:end], buf)
	f.crcUpdate(buf)
	f.offset = end
	return len(buf), nil
}

// WriteIOV writes each buffer in bufs in order, growing the mapping at
// most once for the coalesced length.
func (f *File) WriteIOV(bufs [][]byte) (int, error) {
	if f == nil || f.f == nil {
		return 0, ErrInvalidArg
	}
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	end := f.offset + total
	if end > f.size {
		if _, err := f.Grow(end); err != nil {
			return 0, err
		}
	}
	off := f.offset
	for _, b := range bufs {
		copy(f.data[off:off+int64(len(b))], b)
		f.crcUpdate(b)
		off += int64(len(b))
	}
	f.offset = end
	return int(total), nil
}

// Flush calls msync(MS_SYNC) over the mapping when it is writable; a
// read-only mapping has nothing dirty to flush.
func (f *File) Flush() error {
	if f == nil || f.f == nil {
		return ErrInvalidArg
	}
	if !f.writable || f.data == nil {
		return nil
	}
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mfile: msync: %w", err)
	}
	return nil
}

// Truncate resizes the file to length, remapping if the new length is
// non-zero or clearing the mapping entirely otherwise.
func (f *File) Truncate(length int64) error {
	if f == nil || f.f == nil {
		return ErrInvalidArg
	}
	if err := f.unmap(); err != nil {
		f.invalidate()
		return err
	}
	if err := f.f.Truncate(length); err != nil {
		f.invalidate()
		return fmt.Errorf("mfile: truncate: %w", err)
	}
	if length > 0 {
		if err := f.mapFile(length); err != nil {
			return err
		}
	} else {
		f.size = 0
	}
	if f.offset > f.size {
		f.offset = f.size
	}
	return nil
}

// Seek sets the logical offset; it fails if offset exceeds the current
// mapped size.
func (f *File) Seek(offset int64) error {
	if f == nil || f.f == nil {
		return ErrInvalidArg
	}
	if offset > f.size {
		return ErrSeekBeyond
	}
	f.offset = offset
	return nil
}

// Offset returns the current logical offset.
func (f *File) Offset() int64 {
	return f.offset
}

// Size restats the underlying file (remapping if it was grown by
// another process) and returns the current size.
func (f *File) Size() (int64, error) {
	if f == nil || f.f == nil {
		return 0, ErrInvalidArg
	}
	stat, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("mfile: stat: %w", err)
	}
	if stat.Size() != f.size {
		if err := f.unmap(); err != nil {
			f.invalidate()
			return 0, err
		}
		if err := f.mapFile(stat.Size()); err != nil {
			return 0, err
		}
	}
	return f.size, nil
}

// Bytes returns the currently mapped region. The slice is only valid
// until the next Grow/Truncate/Size call that triggers a remap.
func (f *File) Bytes() []byte {
	return f.data
}

// CRCBegin resets the rolling CRC32 accumulator and records the current
// offset as its start.
func (f *File) CRCBegin() {
	f.crcActive = true
	f.crcBegin = f.offset
	f.crcValue = 0
	f.crcLen = 0
}

// CRCEnd returns the CRC32 accumulated since CRCBegin and deactivates
// tracking.
func (f *File) CRCEnd() uint32 {
	f.crcActive = false
	return f.crcValue
}

// CRCLen returns the number of bytes folded into the rolling CRC32 so
// far, i.e. the length of [crcBegin, offset).
func (f *File) CRCLen() int64 {
	return f.crcLen
}

func (f *File) crcUpdate(p []byte) {
	if !f.crcActive {
		return
	}
	f.crcValue = crc32.Update(f.crcValue, crc32.IEEETable, p)
	f.crcLen += int64(len(p))
}

// Close releases the mapping and closes the underlying file descriptor.
func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	var err error
	if uerr := f.unmap(); uerr != nil {
		err = uerr
	}
	if cerr := f.f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("mfile: close: %w", cerr)
	}
	f.f = nil
	return err
}
