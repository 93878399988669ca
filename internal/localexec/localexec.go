// Package localexec runs the local partition of a play with ansible-playbook
// on the control point itself.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mattjoyce/qubes-proxy/internal/dispatch"
	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/proc"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
)

// Config configures an Executor.
type Config struct {
	// Binary is the ansible-playbook executable.
	Binary string
	// Inventory is passed to -i unchanged.
	Inventory string
	// ExtraVars are raw -e arguments.
	ExtraVars []string
	Options   rpc.Options
	Stdout    io.Writer
	Stderr    io.Writer
}

// Executor implements dispatch.LocalExecutor.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

var _ dispatch.LocalExecutor = (*Executor)(nil)

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "ansible-playbook"
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Executor{cfg: cfg, logger: log.WithComponent(logger, "localexec")}
}

// Run writes the play, rewritten for req.Hosts with the linear strategy,
// next to the original playbook and runs it. The exit code of
// ansible-playbook is returned; err is set only when it could not run.
func (e *Executor) Run(ctx context.Context, req dispatch.Request) (int, error) {
	if len(req.Hosts) == 0 {
		return 0, nil
	}
	data, err := req.Play.Rewrite(req.Hosts)
	if err != nil {
		return 0, err
	}

	// Written beside the original so relative role and file paths resolve.
	path := filepath.Join(req.Play.Dir, ".qubes-proxy-"+uuid.NewString()+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return 0, fmt.Errorf("write local playbook: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to remove local playbook", "path", path, "error", err)
		}
	}()

	args := e.args(path)
	e.logger.Info("running local hosts", "hosts", req.Hosts, "play", req.Play.DisplayName())
	e.logger.Debug("ansible-playbook", "args", args)

	return proc.Run(ctx, proc.Process{
		Name:   e.cfg.Binary,
		Args:   args,
		Dir:    req.Play.Dir,
		Stdout: e.cfg.Stdout,
		Stderr: e.cfg.Stderr,
	})
}

func (e *Executor) args(playbookPath string) []string {
	var args []string
	if e.cfg.Inventory != "" {
		args = append(args, "-i", e.cfg.Inventory)
	}
	for _, ev := range e.cfg.ExtraVars {
		args = append(args, "-e", ev)
	}
	args = append(args, e.cfg.Options.Args()...)
	return append(args, playbookPath)
}
