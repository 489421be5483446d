package zeroskip

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ajaysusarla/zeroskip/internal/dbfile"
	"github.com/ajaysusarla/zeroskip/internal/index"
)

// Repack merges every finalised file into a single new packed file,
// fencing the republish through `.zsdb`'s begin/end-update protocol so
// concurrent readers notice and reload, then unlinks the consumed
// finalised files. It is a no-op if there are no finalised files.
// Merging multiple existing packed files into one (spec.md §4.7 step 5)
// is left undone, same as the source this module is grounded on.
func (db *DB) Repack() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return newErr("repack", CodeNotOpen, nil)
	}
	if db.readOnly {
		return newErr("repack", CodeError, errReadOnly)
	}
	if len(db.finalised) == 0 {
		return nil
	}

	timeout := time.Duration(db.cfg.PackLockTimeoutMS) * time.Millisecond
	if err := db.packLock.Acquire(timeout); err != nil {
		return newErr("repack", CodeIOError, err)
	}
	defer db.packLock.Release()

	minIdx, maxIdx := db.finalised[0].file.Header.StartIdx, db.finalised[0].file.Header.StartIdx
	for _, ff := range db.finalised {
		idx := ff.file.Header.StartIdx
		if idx < minIdx {
			minIdx = idx
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	packedPath := filepath.Join(db.dir, packedFileName(db.id.String(), minIdx, maxIdx))
	pw, err := dbfile.CreatePacked(packedPath, db.id, minIdx, maxIdx, uint(db.fmemtree.Len()))
	if err != nil {
		return newErr("repack", CodeIOError, err)
	}

	for e := range db.fmemtree.WalkForward() {
		if err := pw.WriteEntry(e.Key, e.Value.Data, e.Value.Deleted); err != nil {
			pw.Close()
			os.Remove(packedPath)
			return newErr("repack", CodeIOError, err)
		}
	}
	if err := pw.Finish(); err != nil {
		pw.Close()
		os.Remove(packedPath)
		return newErr("repack", CodeIOError, err)
	}
	if err := pw.Close(); err != nil {
		return newErr("repack", CodeIOError, err)
	}

	reader, err := dbfile.OpenPacked(packedPath)
	if err != nil {
		os.Remove(packedPath)
		return newErr("repack", CodeIOError, err)
	}

	if err := db.meta.BeginUpdate(); err != nil {
		reader.Close()
		os.Remove(packedPath)
		return newErr("repack", CodeIOError, err)
	}

	finalisedPaths := make([]string, 0, len(db.finalised))
	for _, ff := range db.finalised {
		finalisedPaths = append(finalisedPaths, ff.file.Path)
		ff.file.Close()
	}
	db.finalised = nil
	db.fmemtree = index.New()

	maxPrio := 0
	for _, pf := range db.packed {
		if pf.prio > maxPrio {
			maxPrio = pf.prio
		}
	}
	newPrio := maxPrio + 1
	db.packed = append([]*packedFile{{
		reader: reader,
		path:   packedPath,
		start:  minIdx,
		end:    maxIdx,
		prio:   newPrio,
	}}, db.packed...)

	if err := db.meta.EndUpdate(); err != nil {
		return newErr("repack", CodeIOError, err)
	}

	for _, p := range finalisedPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			db.log.Warn("failed to unlink consumed finalised file", "path", p, "err", err)
		}
	}

	db.log.Info("repack complete", "dir", db.dir, "packed", packedPath, "merged", len(finalisedPaths))
	return nil
}
