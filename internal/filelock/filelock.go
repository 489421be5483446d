// Package filelock implements the cross-process advisory lock used to
// serialise writers and packers against a zeroskip directory. A lock is
// realised as an empty marker file created with O_CREAT|O_EXCL; holding
// the lock means holding that file's descriptor.
package filelock

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrTimeout is returned by Acquire when timeout elapses before the
// lock file could be created.
var ErrTimeout = errors.New("filelock: timed out acquiring lock")

var (
	prngOnce sync.Once
	prng     *rand.Rand
	prngMu   sync.Mutex
)

// prngInit seeds the package-local backoff PRNG from the process ID,
// once, the first time any lock needs a retry delay.
func prngInit() {
	prngOnce.Do(func() {
		prng = rand.New(rand.NewSource(int64(os.Getpid())))
	})
}

func randIntn(n int) int {
	prngInit()
	prngMu.Lock()
	defer prngMu.Unlock()
	return prng.Intn(n)
}

// Lock is an exclusive advisory lock backed by a uniquely named file
// inside a zeroskip directory.
type Lock struct {
	path string
	f    *os.File
}

// New returns a Lock for name inside dir, unacquired.
func New(dir, name string) *Lock {
	return &Lock{path: filepath.Join(dir, name)}
}

// Acquire tries to create the lock file with O_CREAT|O_EXCL. If it
// already exists, Acquire retries with an exponentially growing
// randomised backoff (initial 1ms, multiplier growing by 2n+1 each
// attempt, capped at 1000x) until timeout elapses, returning
// ErrTimeout. A zero timeout means try exactly once.
func (l *Lock) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	multiplier := 1
	attempt := 0

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0666)
		if err == nil {
			l.f = f
			return nil
		}
		if !os.IsExist(err) {
			return err
		}

		if timeout <= 0 || time.Now().After(deadline) {
			return ErrTimeout
		}

		wait := time.Duration(750+randIntn(500)) * time.Millisecond * time.Duration(multiplier) / 1000
		remaining := time.Until(deadline)
		if wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			time.Sleep(wait)
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}

		attempt++
		multiplier += 2*attempt + 1
		if multiplier > 1000 {
			multiplier = 1000
		}
	}
}

// Release closes and unlinks the lock file. Releasing a lock that was
// never acquired is a no-op success.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsLocked reports whether this process currently holds the lock.
func (l *Lock) IsLocked() bool {
	return l.f != nil
}

// With acquires the lock, runs fn, and releases the lock on every exit
// path including a panic or error return from fn.
func With(l *Lock, timeout time.Duration, fn func() error) error {
	if err := l.Acquire(timeout); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
