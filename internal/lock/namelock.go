package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// NameLock is an exclusive lock scoped to a name, implemented via a lock file
// in a shared directory + flock(2). It serializes holders across processes.
// Keep the lock alive by keeping the handle unreleased.
type NameLock struct {
	name string
	path string
	f    *os.File
}

// AcquireNameLock takes the lock for name inside dir, polling every interval
// until it is free or ctx is done. The holder's PID is written into the file.
func AcquireNameLock(ctx context.Context, dir, name string, interval time.Duration) (*NameLock, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	try := func() error {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(try, policy); err != nil {
		_ = f.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", name, ctxErr)
		}
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}

	if err := writePID(f); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &NameLock{name: name, path: path, f: f}, nil
}

func (l *NameLock) Path() string { return l.path }

func (l *NameLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("lock name is empty")
	}
	if trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("lock name %q is invalid", name)
	}
	return nil
}
