package qubes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/proc"
)

// Output is the captured result of one tool invocation.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a command line. A non-zero exit is reported through
// Output.ExitCode, not as an error. Output captured before a failure is
// returned alongside the error.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (Output, error)
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct{}

// Run implements Runner. A tool killed by a signal exits with 128+signal.
func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (Output, error) {
	var stdout, stderr bytes.Buffer
	code, err := proc.Run(ctx, proc.Process{
		Name:   name,
		Args:   args,
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, err
}

// CommandError reports a qvm-* tool that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Qvm implements Manager with the qvm-* tools available in the admin domain.
type Qvm struct {
	runner Runner
	logger *slog.Logger
}

// NewQvm returns a Manager backed by runner.
func NewQvm(runner Runner, logger *slog.Logger) *Qvm {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Qvm{runner: runner, logger: log.WithComponent(logger, "qubes")}
}

func (q *Qvm) Lookup(ctx context.Context, name string) (Domain, error) {
	out, err := q.output(ctx, "qvm-ls", "--raw-data", "--fields", "NAME,CLASS,STATE,LABEL", name)
	if err != nil {
		return Domain{}, err
	}

	fields := strings.Split(strings.TrimSpace(string(out)), "|")
	if len(fields) != 4 || fields[0] != name {
		return Domain{}, fmt.Errorf("qvm-ls %s: unexpected output %q", name, out)
	}
	d := Domain{
		Name:  fields[0],
		Class: fields[1],
		State: ParseState(fields[2]),
		Label: fields[3],
	}

	if d.Class != "AdminVM" {
		mgmt, err := q.output(ctx, "qvm-prefs", "--get", name, "management_dispvm")
		if err != nil {
			return Domain{}, err
		}
		d.ManagementDispVM = strings.TrimSpace(string(mgmt))
	}
	return d, nil
}

func (q *Qvm) State(ctx context.Context, name string) (State, error) {
	out, err := q.output(ctx, "qvm-ls", "--raw-data", "--fields", "STATE", name)
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(string(out)), nil
}

func (q *Qvm) Create(ctx context.Context, spec CreateSpec) error {
	args := []string{"--class", spec.Class, "--label", spec.Label}
	if spec.Template != "" {
		args = append(args, "--template", spec.Template)
	}
	return q.exec(ctx, "qvm-create", append(args, spec.Name)...)
}

func (q *Qvm) Start(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-start", "--skip-if-running", name)
}

func (q *Qvm) Shutdown(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-shutdown", name)
}

func (q *Qvm) Kill(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-kill", name)
}

func (q *Qvm) Pause(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-pause", name)
}

func (q *Qvm) Unpause(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-unpause", name)
}

func (q *Qvm) Remove(ctx context.Context, name string) error {
	return q.exec(ctx, "qvm-remove", "--force", name)
}

func (q *Qvm) SetFeature(ctx context.Context, name, feature, value string) error {
	return q.exec(ctx, "qvm-features", name, feature, value)
}

func (q *Qvm) SetPref(ctx context.Context, name, pref, value string) error {
	return q.exec(ctx, "qvm-prefs", name, pref, value)
}

// RunService calls a qrexec service in name. The exit code is the service's,
// so a non-zero code is not an error here.
func (q *Qvm) RunService(ctx context.Context, name string, call ServiceCall) (ServiceResult, error) {
	if !call.Service.Valid() {
		return ServiceResult{}, fmt.Errorf("run service in %s: invalid service %v", name, call.Service)
	}
	args := []string{"--pass-io", "--no-gui", "--no-autostart", "--service"}
	if len(call.LocalCommand) > 0 {
		args = append(args, "--localcmd="+strings.Join(call.LocalCommand, " "))
	}
	args = append(args, name, call.Service.String())

	q.logger.Debug("calling service", "domain", name, "service", call.Service.String())
	out, err := q.runner.Run(ctx, call.Stdin, "qvm-run", args...)
	res := ServiceResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	if err != nil {
		return res, fmt.Errorf("call %s in %s: %w", call.Service, name, err)
	}
	return res, nil
}

func (q *Qvm) exec(ctx context.Context, tool string, args ...string) error {
	_, err := q.output(ctx, tool, args...)
	return err
}

func (q *Qvm) output(ctx context.Context, tool string, args ...string) ([]byte, error) {
	q.logger.Debug("running tool", "tool", tool, "args", args)
	out, err := q.runner.Run(ctx, nil, tool, args...)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		if isNoSuchDomain(out.Stderr) {
			return nil, fmt.Errorf("%s %s: %w", tool, strings.Join(args, " "), ErrNotFound)
		}
		return nil, &CommandError{Args: append([]string{tool}, args...), ExitCode: out.ExitCode, Stderr: string(out.Stderr)}
	}
	return out.Stdout, nil
}

func isNoSuchDomain(stderr []byte) bool {
	msg := strings.ToLower(string(stderr))
	return strings.Contains(msg, "no such domain") || strings.Contains(msg, "qubesvmnotfounderror")
}
