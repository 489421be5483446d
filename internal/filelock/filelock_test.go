package filelock

import (
	"errors"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "zsdbw")

	if l.IsLocked() {
		t.Fatal("expected not locked before acquire")
	}
	if err := l.Acquire(0); err != nil {
		t.Fatal(err)
	}
	if !l.IsLocked() {
		t.Fatal("expected locked after acquire")
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if l.IsLocked() {
		t.Fatal("expected not locked after release")
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "zsdbw")
	if err := l.Release(); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestSecondAcquireTimesOut(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "zsdbw")
	b := New(dir, "zsdbw")

	if err := a.Acquire(0); err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	start := time.Now()
	err := b.Acquire(100 * time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected to wait at least 100ms, waited %v", elapsed)
	}
}

func TestAcquireWithoutTimeoutFailsFast(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "zsdbw")
	b := New(dir, "zsdbw")

	if err := a.Acquire(0); err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	if err := b.Acquire(0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on zero-timeout contested acquire, got %v", err)
	}
}

func TestWithReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "zsdbp")

	boom := errors.New("boom")
	err := With(l, 0, func() error {
		if !l.IsLocked() {
			t.Fatal("expected locked inside With")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if l.IsLocked() {
		t.Fatal("expected released after With returns")
	}
}
