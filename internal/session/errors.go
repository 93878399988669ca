package session

import (
	"errors"
	"fmt"
)

// HostResolutionError means the target VM could not be found. Nothing was
// acquired for the host.
type HostResolutionError struct {
	Host string
	Err  error
}

func (e *HostResolutionError) Error() string {
	return fmt.Sprintf("resolve host %s: %v", e.Host, e.Err)
}

func (e *HostResolutionError) Unwrap() error { return e.Err }

// SandboxLifecycleError covers creating, configuring, starting or halting
// the management disposable.
type SandboxLifecycleError struct {
	Sandbox string
	Op      string
	Err     error
}

func (e *SandboxLifecycleError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.Sandbox, e.Op, e.Err)
}

func (e *SandboxLifecycleError) Unwrap() error { return e.Err }

// TransferError means the archive did not reach the sandbox. Code is the
// exit code of the file copy when it ran to completion.
type TransferError struct {
	Sandbox string
	Code    int
	Detail  string
	Err     error
}

func (e *TransferError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transfer to %s: %v", e.Sandbox, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("transfer to %s: exit status %d: %s", e.Sandbox, e.Code, e.Detail)
	default:
		return fmt.Sprintf("transfer to %s: exit status %d", e.Sandbox, e.Code)
	}
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) remoteCode() (int, bool) { return e.Code, e.Code > 0 }

// ExecutionError means the run call into the sandbox failed. Code is set
// when the sandbox reported one before the failure.
type ExecutionError struct {
	Sandbox string
	Code    int
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("execute in %s: exit status %d: %v", e.Sandbox, e.Code, e.Err)
	}
	return fmt.Sprintf("execute in %s: %v", e.Sandbox, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) remoteCode() (int, bool) { return e.Code, e.Code > 0 }

// CleanupError collects teardown failures. Every teardown step was
// attempted; Err joins the ones that failed.
type CleanupError struct {
	Host string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup for %s: %v", e.Host, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

type remoteCoder interface {
	remoteCode() (int, bool)
}

// ExitCode extracts the remote-reported exit code carried by err.
func ExitCode(err error) (int, bool) {
	var rc remoteCoder
	if errors.As(err, &rc) {
		return rc.remoteCode()
	}
	return 0, false
}
