package qubes

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/rpc"
)

// ErrNotFound is returned when a domain does not exist.
var ErrNotFound = errors.New("domain not found")

// State is a domain power state.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateHalted    State = "halted"
	StateTransient State = "transient"
	StateUnknown   State = "unknown"
)

// ParseState maps the STATE column of qvm-ls onto a State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StateRunning
	case "paused", "suspended":
		return StatePaused
	case "halted":
		return StateHalted
	case "transient", "halting", "dying":
		return StateTransient
	default:
		return StateUnknown
	}
}

// Domain is a snapshot of a VM's identity and state.
type Domain struct {
	Name             string
	Class            string
	Label            string
	State            State
	ManagementDispVM string
}

// CreateSpec describes a VM to create.
type CreateSpec struct {
	Name     string
	Class    string
	Template string
	Label    string
}

// ServiceCall is one qrexec call into a domain. When LocalCommand is set its
// stdio is connected to the service instead of Stdin and the result buffers.
type ServiceCall struct {
	Service      rpc.Service
	Stdin        io.Reader
	LocalCommand []string
}

// ServiceResult is what a finished qrexec call produced. Output is untrusted.
type ServiceResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Manager controls domains. Implementations must be safe for concurrent use.
type Manager interface {
	Lookup(ctx context.Context, name string) (Domain, error)
	State(ctx context.Context, name string) (State, error)
	Create(ctx context.Context, spec CreateSpec) error
	Start(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	SetFeature(ctx context.Context, name, feature, value string) error
	SetPref(ctx context.Context, name, pref, value string) error
	RunService(ctx context.Context, name string, call ServiceCall) (ServiceResult, error)
}
