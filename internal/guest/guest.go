// Package guest is the qubes.AnsibleVM handler that runs inside a
// management disposable. It reads the payload from stdin, unpacks the
// archive delivered earlier by qubes.Filecopy and runs the work unit with
// ansible-playbook. The shipped inventory sets ansible_connection=qubes, so
// the disposable reaches its target qube over qrexec.
package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/proc"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
	"github.com/mattjoyce/qubes-proxy/internal/workspace"
)

// DefaultIncomingDir is where qubes.Filecopy from dom0 drops files.
const DefaultIncomingDir = "~/QubesIncoming/dom0"

// Config configures a Handler.
type Config struct {
	IncomingDir string
	WorkDir     string
	Binary      string
	Stdout      io.Writer
	Stderr      io.Writer
}

// Handler serves qubes.AnsibleVM calls.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Handler. A leading ~ in the directories is expanded.
func New(cfg Config, logger *slog.Logger) (*Handler, error) {
	if cfg.IncomingDir == "" {
		cfg.IncomingDir = DefaultIncomingDir
	}
	if cfg.Binary == "" {
		cfg.Binary = "ansible-playbook"
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	var err error
	if cfg.IncomingDir, err = expandHome(cfg.IncomingDir); err != nil {
		return nil, err
	}
	if cfg.WorkDir, err = expandHome(cfg.WorkDir); err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, logger: log.WithComponent(logger, "guest")}, nil
}

// Serve handles one call. The returned code is the exit code of
// ansible-playbook; err is set when it could not be started.
func (h *Handler) Serve(ctx context.Context, stdin io.Reader) (int, error) {
	p, err := rpc.DecodePayload(stdin)
	if err != nil {
		return 0, err
	}
	if p.Archive != filepath.Base(p.Archive) || p.Archive == "." || p.Archive == ".." {
		return 0, fmt.Errorf("archive name %q is not a plain file name", p.Archive)
	}
	if strings.HasPrefix(p.Host, "-") {
		return 0, fmt.Errorf("invalid host %q", p.Host)
	}
	for _, a := range p.Args {
		if !strings.HasPrefix(a, "-") && !allowedValue(p.Args, a) {
			return 0, fmt.Errorf("unexpected argument %q", a)
		}
	}

	archivePath := filepath.Join(h.cfg.IncomingDir, p.Archive)
	defer func() {
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("failed to remove archive", "path", archivePath, "error", err)
		}
	}()

	dir, err := os.MkdirTemp(h.cfg.WorkDir, "qubes-ansible-")
	if err != nil {
		return 0, fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	err = workspace.Extract(f, dir)
	f.Close()
	if err != nil {
		return 0, err
	}

	args := append([]string{"-i", "inventory", "-l", p.Host}, p.Args...)
	args = append(args, "playbook.yaml")
	h.logger.Info("running work unit", "host", p.Host, "archive", p.Archive)

	return proc.Run(ctx, proc.Process{
		Name:   h.cfg.Binary,
		Args:   args,
		Dir:    dir,
		Env:    append(os.Environ(), "ANSIBLE_ROLES_PATH="+filepath.Join(dir, "roles")),
		Stdout: h.cfg.Stdout,
		Stderr: h.cfg.Stderr,
	})
}

// allowedValue reports whether v follows a flag that takes a value.
func allowedValue(args []string, v string) bool {
	for i := 1; i < len(args); i++ {
		if args[i] == v && (args[i-1] == "-t" || args[i-1] == "--skip-tags") {
			return true
		}
	}
	return false
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
