package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenLockedCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy")

	l, err := OpenLocked(path, 0o644, 1)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if l.Path() != path {
		t.Fatalf("Path() = %q, want %q", l.Path(), path)
	}
}

func TestOpenLockedSerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy")

	first, err := OpenLocked(path, 0o644, 1)
	if err != nil {
		t.Fatalf("OpenLocked(first): %v", err)
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := OpenLocked(path, 0o644, 1)
		if err != nil {
			t.Errorf("OpenLocked(second): %v", err)
			return
		}
		acquired.Store(true)
		_ = second.Release()
	}()

	time.Sleep(100 * time.Millisecond)
	if acquired.Load() {
		t.Fatalf("second holder acquired the lock while the first still held it")
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	<-done
	if !acquired.Load() {
		t.Fatalf("second holder never acquired the lock")
	}
}

func TestOpenLockedRetriesWhenFileReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	calls := 0
	afterLock = func(p string) {
		calls++
		if calls == 1 {
			replacement := filepath.Join(dir, "policy.new")
			if err := os.WriteFile(replacement, []byte("new\n"), 0o644); err != nil {
				t.Errorf("WriteFile(replacement): %v", err)
			}
			if err := os.Rename(replacement, p); err != nil {
				t.Errorf("Rename: %v", err)
			}
		}
	}
	t.Cleanup(func() { afterLock = func(string) {} })

	l, err := OpenLocked(path, 0o644, 3)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	defer l.Release()

	if calls != 2 {
		t.Fatalf("expected 2 open-lock attempts, got %d", calls)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	held := make([]byte, 4)
	if _, err := l.File().ReadAt(held, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(held) != string(b) {
		t.Fatalf("locked descriptor reads %q, path holds %q", held, b)
	}
}

func TestOpenLockedGivesUpAfterAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy")
	afterLock = func(p string) { _ = os.Remove(p) }
	t.Cleanup(func() { afterLock = func(string) {} })

	_, err := OpenLocked(path, 0o644, 2)
	if !errors.Is(err, ErrReplaced) {
		t.Fatalf("OpenLocked error = %v, want ErrReplaced", err)
	}
}
