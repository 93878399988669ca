// Package proc runs subprocesses the same way everywhere: SIGTERM on
// cancellation, a grace period before SIGKILL, and shell-style exit codes.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// TerminationGracePeriod is how long a cancelled process gets after SIGTERM
// before it is killed.
const TerminationGracePeriod = 5 * time.Second

// Process describes one subprocess. Nil streams are connected to the null
// device; an empty Env inherits the environment.
type Process struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run runs p to completion and returns its exit code. A process killed by a
// signal reports 128+signal, so a failure is never zero or negative. err is
// set only when p could not be started, ctx ended it, or its output could
// not be collected.
func Run(ctx context.Context, p Process) (int, error) {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = TerminationGracePeriod
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return ExitCode(exitErr.ProcessState), nil
	}
	return 0, fmt.Errorf("run %s: %w", p.Name, err)
}

// ExitCode maps a finished process state to a shell-style exit code.
func ExitCode(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ps.ExitCode(); code > 0 {
		return code
	}
	if ps.Success() {
		return 0
	}
	return 1
}
