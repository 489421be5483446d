package zeroskip

import (
	"errors"
	"time"

	"github.com/ajaysusarla/zeroskip/internal/index"
)

// Txn is a handle bracketing a batch of Add/Remove calls against a DB.
// Per spec.md §4.8, it buffers nothing: Add/Remove still write straight
// to the active file when called. What Txn defers is the commit record
// that seals them, so a caller can batch several writes under one CRC
// span and then choose to make them durable (Commit) or discard them
// (Abort).
type Txn struct {
	db     *DB
	active bool
}

var errTransactionEnded = errors.New("zeroskip: transaction already ended")

// Begin allocates a transaction handle for db. It fails if db was
// opened read-only.
func (db *DB) Begin() (*Txn, error) {
	if db.readOnly {
		return nil, newErr("begin", CodeError, errReadOnly)
	}
	return &Txn{db: db, active: true}, nil
}

// Add appends one mutation within the transaction's scope. Like DB.Add,
// it writes the record and marks the active file dirty but does not
// seal a commit; call Commit to do that.
func (t *Txn) Add(key, value []byte) error {
	if !t.active {
		return newErr("txn.add", CodeInternal, errTransactionEnded)
	}
	return t.db.Add(key, value)
}

// Remove appends one tombstone within the transaction's scope.
func (t *Txn) Remove(key []byte) error {
	if !t.active {
		return newErr("txn.remove", CodeInternal, errTransactionEnded)
	}
	return t.db.Remove(key)
}

// Commit seals every Add/Remove issued through this transaction (and
// any other pending writes on db) with one commit record. Idempotent:
// calling it again, or calling it when nothing is pending, is a no-op.
func (t *Txn) Commit() error {
	if !t.active {
		return newErr("txn.commit", CodeInternal, errTransactionEnded)
	}
	return t.db.Commit()
}

// Abort discards every Add/Remove issued since the last commit,
// truncating the active file back to that point and rebuilding the
// in-memory index from what remains. spec.md §4.8 open question (c)
// leaves abort a no-op in the source this module is grounded on, but
// recommends implementers also truncate the active file to the last
// commit; this does that.
func (t *Txn) Abort() error {
	if !t.active {
		return newErr("txn.abort", CodeInternal, errTransactionEnded)
	}
	t.active = false
	return t.db.abortPending()
}

// End releases the transaction handle without committing or aborting
// whatever was written through it.
func (t *Txn) End() error {
	t.active = false
	return nil
}

// abortPending truncates the active file back to the last commit and
// rebuilds memtree from the surviving bytes.
func (db *DB) abortPending() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return newErr("abort", CodeNotOpen, nil)
	}
	if db.readOnly {
		return newErr("abort", CodeError, errReadOnly)
	}

	timeout := time.Duration(db.cfg.WriteLockTimeoutMS) * time.Millisecond
	if err := db.writeLock.Acquire(timeout); err != nil {
		return newErr("abort", CodeIOError, err)
	}
	defer db.writeLock.Release()

	if !db.active.Dirty {
		return nil
	}

	if err := db.active.Truncate(db.lastCommitOffset); err != nil {
		return newErr("abort", CodeIOError, err)
	}
	db.active.ClearDirty()

	db.memtree = index.New()
	replay(db.active.Bytes(), db.memtree)

	return nil
}
