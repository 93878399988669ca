package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrReplaced reports that a path stopped naming the locked file while the
// lock was being acquired.
var ErrReplaced = errors.New("file replaced while acquiring lock")

// afterLock runs between lock acquisition and the identity check.
var afterLock = func(string) {}

// File is an open file held under an exclusive flock(2).
// The lock lasts until Release.
type File struct {
	path string
	f    *os.File
}

// OpenLocked opens path (creating it with perm when missing), blocks until an
// exclusive lock is held, and verifies the locked descriptor still refers to
// the file at path. If the file was replaced or removed in between, the whole
// open-lock sequence is retried, at most attempts times.
func OpenLocked(path string, perm os.FileMode, attempts int) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, perm)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		afterLock(path)

		same, err := refersTo(f, path)
		if err != nil {
			unlockAndClose(f)
			return nil, err
		}
		if same {
			return &File{path: path, f: f}, nil
		}
		unlockAndClose(f)
	}

	return nil, fmt.Errorf("%s: %d attempts: %w", path, attempts, ErrReplaced)
}

func (l *File) Path() string { return l.path }

// File returns the locked descriptor. It must not be closed by the caller.
func (l *File) File() *os.File { return l.f }

// Release drops the lock and closes the descriptor.
func (l *File) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

// refersTo compares the device/inode of f with a fresh stat of path.
func refersTo(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat locked %s: %w", path, err)
	}
	current, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return os.SameFile(held, current), nil
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
