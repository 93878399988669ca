package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/qubes-proxy/internal/workunit"
)

// DefaultPrefix names workspaces created by the proxy.
const DefaultPrefix = "qubes-ansible-"

// fsWorkspaceManager manages session workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	prefix  string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at
// baseDir. Only entries starting with prefix are ever touched by Cleanup, so
// baseDir may be shared (the system temp directory, typically).
func NewFSManager(baseDir, prefix string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("workspace prefix %q must not contain path separators", prefix)
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		prefix:  prefix,
		now:     time.Now,
	}, nil
}

// Create initializes a uniquely named workspace directory.
func (m *fsWorkspaceManager) Create(ctx context.Context) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	id := m.prefix + uuid.NewString()
	path := filepath.Join(m.baseDir, id)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %q: %w", id, err)
	}

	return Workspace{ID: id, Dir: path}, nil
}

// Populate writes the work unit into ws.
func (m *fsWorkspaceManager) Populate(ctx context.Context, ws Workspace, unit *workunit.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(ws.Dir, "playbook.yaml"), unit.Playbook, 0o600); err != nil {
		return fmt.Errorf("write playbook: %w", err)
	}

	rolesDir := filepath.Join(ws.Dir, "roles")
	if err := os.Mkdir(rolesDir, 0o700); err != nil {
		return fmt.Errorf("create roles directory: %w", err)
	}
	for _, role := range unit.Roles {
		if err := copyTree(ctx, role.Path, filepath.Join(rolesDir, role.Name)); err != nil {
			return fmt.Errorf("copy role %s: %w", role.Name, err)
		}
	}

	hostVarsDir := filepath.Join(ws.Dir, "host_vars")
	if err := os.Mkdir(hostVarsDir, 0o700); err != nil {
		return fmt.Errorf("create host_vars directory: %w", err)
	}
	vars, ok, err := unit.HostVarsYAML()
	if err != nil {
		return err
	}
	if ok {
		if err := os.WriteFile(filepath.Join(hostVarsDir, unit.Host+".yaml"), vars, 0o600); err != nil {
			return fmt.Errorf("write host vars: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(ws.Dir, "inventory"), unit.Inventory, 0o600); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	return nil
}

// Pack archives ws into ws.ArchivePath().
func (m *fsWorkspaceManager) Pack(ctx context.Context, ws Workspace) (Archive, error) {
	return packDir(ctx, ws.Dir, ws.ArchivePath())
}

// Remove deletes the workspace directory and its archive. Only workspaces
// created by this manager are accepted.
func (m *fsWorkspaceManager) Remove(ws Workspace) error {
	if ws.Dir == "" {
		return nil
	}
	path, err := m.workspacePath(ws.ID)
	if err != nil {
		return err
	}
	if path != ws.Dir {
		return fmt.Errorf("workspace %q is not under %s", ws.ID, m.baseDir)
	}
	var errs []error
	if err := os.RemoveAll(ws.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace %q: %w", ws.ID, err))
	}
	if err := os.Remove(ws.ArchivePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove archive %q: %w", ws.ArchivePath(), err))
	}
	return errors.Join(errs...)
}

// Cleanup removes workspace directories and archives older than olderThan
// based on modification time.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := entry.Name()
		if !strings.HasPrefix(name, m.prefix) {
			continue
		}
		isArchive := !entry.IsDir() && strings.HasSuffix(name, ".tar")
		if !entry.IsDir() && !isArchive {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", name, err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, name)
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", name, err)
		}
		if isArchive {
			report.DeletedArchives++
		} else {
			report.DeletedDirs++
		}
	}

	return report, nil
}

func (m *fsWorkspaceManager) workspacePath(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if !strings.HasPrefix(id, m.prefix) {
		return "", fmt.Errorf("workspace id %q does not start with %q", id, m.prefix)
	}
	return filepath.Join(m.baseDir, id), nil
}

// copyTree copies srcDir to dstDir by value. Regular files are hard-linked
// when possible and copied otherwise; symlinks are recreated as-is.
func copyTree(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()|0o700); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := os.Link(path, dstPath); err == nil {
				return nil
			}
			if err := copyFile(path, dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("copy %q to %q: %w", path, dstPath, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("workspace id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	return nil
}
