// Package session runs one host's slice of a play inside that host's
// management disposable ("sandbox"): resolve the target, bring the sandbox
// up, grant it access to the target, ship the work unit, run it, and tear
// everything down again whatever happened on the way.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattjoyce/qubes-proxy/internal/lock"
	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
	"github.com/mattjoyce/qubes-proxy/internal/qubes"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
	"github.com/mattjoyce/qubes-proxy/internal/sanitize"
	"github.com/mattjoyce/qubes-proxy/internal/workspace"
	"github.com/mattjoyce/qubes-proxy/internal/workunit"
)

// Config holds the sandbox and transport settings of a Runner.
type Config struct {
	Prefix          string
	MaxNameLength   int
	Class           string
	ControlPoint    string
	PollInterval    time.Duration
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	SettleDelay     time.Duration
	LockDir         string
	QfileAgent      string
	Options         rpc.Options
}

// Result is the outcome of one host session. Stdout and Stderr are
// sanitized.
type Result struct {
	Host     string
	Code     int
	Stdout   string
	Stderr   string
	Sandbox  string
	WorkUnit string
	Digest   string
	Duration time.Duration
}

// Granter grants and revokes a sandbox's access to its target.
type Granter interface {
	Grant(ctx context.Context, subject, object string, services []rpc.Service) error
	Revoke(ctx context.Context, subject, object string) error
}

// UnitBuilder produces the work unit of a play for one host.
type UnitBuilder interface {
	Build(play *playbook.Play, host string) (*workunit.Unit, error)
}

// Runner runs host sessions. It is safe for concurrent use; each call to
// RunHost owns its own state.
type Runner struct {
	cfg        Config
	vms        qubes.Manager
	policy     Granter
	workspaces workspace.Manager
	units      UnitBuilder
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration)
}

// NewRunner wires a Runner.
func NewRunner(cfg Config, vms qubes.Manager, policy Granter, ws workspace.Manager, units UnitBuilder, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{
		cfg:        cfg,
		vms:        vms,
		policy:     policy,
		workspaces: ws,
		units:      units,
		logger:     log.WithComponent(logger, "session"),
		sleep:      sleepCtx,
	}
}

// hostSession is the private state of one RunHost call.
type hostSession struct {
	host       string
	sandbox    string
	target     qubes.Domain
	present    bool
	wasRunning bool
	granted    bool
	ws         *workspace.Workspace
	logger     *slog.Logger
}

// RunHost runs play against host through its sandbox. The returned Result
// carries whatever output was produced even when err is non-nil. A non-zero
// remote exit code is a result, not an error.
func (r *Runner) RunHost(ctx context.Context, play *playbook.Play, host string) (res Result, err error) {
	start := time.Now()
	s := &hostSession{
		host:    host,
		sandbox: SandboxName(r.cfg.Prefix, r.cfg.MaxNameLength, host),
		logger:  log.WithHost(r.logger, host),
	}
	res = Result{Host: host, Sandbox: s.sandbox, WorkUnit: play.DisplayName()}
	defer func() { res.Duration = time.Since(start) }()

	target, err := r.vms.Lookup(ctx, host)
	if err != nil {
		return res, &HostResolutionError{Host: host, Err: err}
	}
	s.target = target

	nameLock, err := lock.AcquireNameLock(ctx, r.cfg.LockDir, s.sandbox, r.cfg.PollInterval)
	if err != nil {
		return res, &SandboxLifecycleError{Sandbox: s.sandbox, Op: "lock", Err: err}
	}
	defer func() {
		if rerr := nameLock.Release(); rerr != nil {
			s.logger.Warn("failed to release sandbox lock", "sandbox", s.sandbox, "error", rerr)
		}
	}()

	defer func() {
		if cerr := r.cleanup(context.WithoutCancel(ctx), s); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	s.logger.Info("session started", "sandbox", s.sandbox, "play", res.WorkUnit)

	if err := r.ensureSandbox(ctx, s); err != nil {
		return res, err
	}

	s.granted = true
	if err := r.policy.Grant(ctx, s.sandbox, host, rpc.SessionServices()); err != nil {
		return res, fmt.Errorf("grant %s access to %s: %w", s.sandbox, host, err)
	}

	archive, err := r.stage(ctx, s, play)
	if err != nil {
		return res, err
	}
	res.Digest = archive.Digest

	if err := r.transfer(ctx, s, archive); err != nil {
		return res, err
	}

	code, stdout, stderr, err := r.execute(ctx, s, archive)
	res.Code, res.Stdout, res.Stderr = code, stdout, stderr
	if err != nil {
		return res, err
	}

	s.logger.Info("session finished", "code", code)
	return res, nil
}

// ensureSandbox looks the sandbox up, creating it when absent, and starts it
// when it is not running. Whether it was running before is recorded for
// teardown.
func (r *Runner) ensureSandbox(ctx context.Context, s *hostSession) error {
	sb, err := r.vms.Lookup(ctx, s.sandbox)
	switch {
	case errors.Is(err, qubes.ErrNotFound):
		if err := r.createSandbox(ctx, s); err != nil {
			return err
		}
		sb.State = qubes.StateHalted
	case err != nil:
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "lookup", Err: err}
	default:
		s.present = true
	}

	s.wasRunning = sb.State == qubes.StateRunning
	if s.wasRunning {
		s.logger.Debug("sandbox already running", "sandbox", s.sandbox)
		return nil
	}

	if sb.State == qubes.StatePaused {
		err = r.vms.Unpause(ctx, s.sandbox)
	} else {
		err = r.vms.Start(ctx, s.sandbox)
	}
	if err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "start", Err: err}
	}
	if err := qubes.WaitForState(ctx, r.vms, s.sandbox, qubes.StateRunning, r.cfg.PollInterval, r.cfg.StartTimeout); err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "start", Err: err}
	}
	s.logger.Debug("sandbox started", "sandbox", s.sandbox)
	return nil
}

func (r *Runner) createSandbox(ctx context.Context, s *hostSession) error {
	tmplName := s.target.ManagementDispVM
	if tmplName == "" {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "create", Err: fmt.Errorf("%s has no management_dispvm", s.host)}
	}
	tmpl, err := r.vms.Lookup(ctx, tmplName)
	if err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "create", Err: fmt.Errorf("management template %s: %w", tmplName, err)}
	}

	s.logger.Info("creating sandbox", "sandbox", s.sandbox, "template", tmplName)
	err = r.vms.Create(ctx, qubes.CreateSpec{
		Name:     s.sandbox,
		Class:    r.cfg.Class,
		Template: tmplName,
		Label:    tmpl.Label,
	})
	if err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "create", Err: err}
	}

	steps := []struct {
		feature    bool
		key, value string
	}{
		{true, "internal", "1"},
		{true, "gui", ""},
		{false, "netvm", ""},
		{false, "auto_cleanup", "True"},
	}
	for _, st := range steps {
		if st.feature {
			err = r.vms.SetFeature(ctx, s.sandbox, st.key, st.value)
		} else {
			err = r.vms.SetPref(ctx, s.sandbox, st.key, st.value)
		}
		if err != nil {
			// A half-configured sandbox may still have networking; never reuse it.
			if rmErr := r.vms.Remove(ctx, s.sandbox); rmErr != nil {
				err = errors.Join(err, fmt.Errorf("remove %s: %w", s.sandbox, rmErr))
			}
			return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "configure " + st.key, Err: err}
		}
	}
	s.present = true
	return nil
}

// stage builds the work unit into a fresh workspace and archives it.
func (r *Runner) stage(ctx context.Context, s *hostSession, play *playbook.Play) (workspace.Archive, error) {
	unit, err := r.units.Build(play, s.host)
	if err != nil {
		return workspace.Archive{}, err
	}

	ws, err := r.workspaces.Create(ctx)
	if err != nil {
		return workspace.Archive{}, err
	}
	s.ws = &ws

	if err := r.workspaces.Populate(ctx, ws, unit); err != nil {
		return workspace.Archive{}, err
	}
	archive, err := r.workspaces.Pack(ctx, ws)
	if err != nil {
		return workspace.Archive{}, err
	}
	s.logger.Debug("workspace packed", "archive", archive.Path, "size", archive.Size, "blake3", archive.Digest)
	return archive, nil
}

func (r *Runner) transfer(ctx context.Context, s *hostSession, archive workspace.Archive) error {
	s.logger.Debug("copying archive", "sandbox", s.sandbox, "archive", archive.Path)
	out, err := r.vms.RunService(ctx, s.sandbox, qubes.ServiceCall{
		Service:      rpc.ServiceFilecopy,
		LocalCommand: []string{r.cfg.QfileAgent, archive.Path},
	})
	if err != nil {
		return &TransferError{Sandbox: s.sandbox, Err: err}
	}
	if out.ExitCode != 0 {
		return &TransferError{Sandbox: s.sandbox, Code: out.ExitCode, Detail: sanitize.String(bytes.TrimSpace(out.Stderr))}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, s *hostSession, archive workspace.Archive) (int, string, string, error) {
	payload, err := rpc.Payload{
		Archive: filepath.Base(archive.Path),
		Host:    s.host,
		Args:    r.cfg.Options.Args(),
	}.Encode()
	if err != nil {
		return 0, "", "", &ExecutionError{Sandbox: s.sandbox, Err: err}
	}

	s.logger.Debug("running work unit", "sandbox", s.sandbox, "service", rpc.ServiceAnsibleVM.String())
	out, err := r.vms.RunService(ctx, s.sandbox, qubes.ServiceCall{
		Service: rpc.ServiceAnsibleVM,
		Stdin:   bytes.NewReader(payload),
	})
	stdout, stderr := sanitize.String(out.Stdout), sanitize.String(out.Stderr)
	if err != nil {
		return out.ExitCode, stdout, stderr, &ExecutionError{Sandbox: s.sandbox, Code: out.ExitCode, Err: err}
	}
	return out.ExitCode, stdout, stderr, nil
}

// cleanup revokes the grant, removes the workspace and archive, and halts a
// sandbox that was not running before the session. Every step runs; the
// failures are joined into a CleanupError.
func (r *Runner) cleanup(ctx context.Context, s *hostSession) error {
	var errs []error

	if s.granted {
		if err := r.policy.Revoke(ctx, s.sandbox, s.host); err != nil {
			errs = append(errs, fmt.Errorf("revoke: %w", err))
		}
	}

	if s.ws != nil {
		if err := r.workspaces.Remove(*s.ws); err != nil {
			errs = append(errs, fmt.Errorf("remove workspace: %w", err))
		}
	}

	if s.present && !s.wasRunning {
		if err := r.halt(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := &CleanupError{Host: s.host, Err: errors.Join(errs...)}
	s.logger.Error("cleanup failed", "error", err)
	return err
}

// halt shuts the sandbox down and waits for it to be gone. A sandbox that
// does not halt in time is killed.
func (r *Runner) halt(ctx context.Context, s *hostSession) error {
	st, err := r.vms.State(ctx, s.sandbox)
	if errors.Is(err, qubes.ErrNotFound) || (err == nil && st == qubes.StateHalted) {
		return nil
	}

	s.logger.Debug("shutting down sandbox", "sandbox", s.sandbox)
	if err := r.vms.Shutdown(ctx, s.sandbox); err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "shutdown", Err: err}
	}

	err = qubes.WaitForState(ctx, r.vms, s.sandbox, qubes.StateHalted, r.cfg.PollInterval, r.cfg.ShutdownTimeout)
	var timeout *qubes.TimeoutError
	if errors.As(err, &timeout) {
		s.logger.Warn("sandbox did not halt, killing it", "sandbox", s.sandbox, "timeout", r.cfg.ShutdownTimeout)
		if kerr := r.vms.Kill(ctx, s.sandbox); kerr != nil && !errors.Is(kerr, qubes.ErrNotFound) {
			return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "kill", Err: errors.Join(err, kerr)}
		}
		err = qubes.WaitForState(ctx, r.vms, s.sandbox, qubes.StateHalted, r.cfg.PollInterval, r.cfg.ShutdownTimeout)
	}
	if err != nil {
		return &SandboxLifecycleError{Sandbox: s.sandbox, Op: "shutdown", Err: err}
	}

	r.sleep(ctx, r.cfg.SettleDelay)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
