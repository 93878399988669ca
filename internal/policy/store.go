package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/lock"
	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
)

// Config locates the policy files and the control point name.
type Config struct {
	IncludeFile    string
	CapabilityFile string
	SystemFiles    []string
	ControlPoint   string
	Group          string
	MaxAttempts    int
}

// MutationError is returned when a policy file could not be changed, including
// when the file kept being replaced until the retry budget ran out.
type MutationError struct {
	Op   string
	Path string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("policy %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Store mutates the policy files.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Store.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.IncludeFile == "" || cfg.CapabilityFile == "" {
		return nil, fmt.Errorf("policy include and capability files are required")
	}
	if err := validateToken("control point", cfg.ControlPoint); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	return &Store{cfg: cfg, logger: log.WithComponent(logger, "policy")}, nil
}

// Grant lets subject call services against object. Administrative services
// are scoped to the control point instead. Granting twice duplicates lines;
// a single Revoke clears all of them.
func (s *Store) Grant(ctx context.Context, subject, object string, services []rpc.Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePair(subject, object); err != nil {
		return err
	}

	include := []string{fmt.Sprintf("%s %s allow target=%s", subject, object, s.cfg.ControlPoint)}
	capabilities := make([]string, 0, len(services))
	for _, svc := range services {
		if !svc.Valid() {
			return &rpc.UnknownServiceError{Name: svc.String()}
		}
		dest := object
		if svc.Administrative() {
			dest = s.cfg.ControlPoint
		}
		capabilities = append(capabilities, fmt.Sprintf("%-20s * %s %s allow", svc, subject, dest))
	}

	if err := s.appendLines("grant", s.cfg.IncludeFile, include); err != nil {
		return err
	}
	if err := s.appendLines("grant", s.cfg.CapabilityFile, capabilities); err != nil {
		return err
	}
	s.logger.Debug("granted policy", "subject", subject, "object", object, "services", len(services))
	return nil
}

// Revoke removes every line granted for (subject, object) from both files.
// Unrelated lines keep their order. Both files are always attempted.
func (s *Store) Revoke(ctx context.Context, subject, object string) error {
	if err := validatePair(subject, object); err != nil {
		return err
	}

	errInclude := s.rewrite("revoke", s.cfg.IncludeFile, func(line string) bool {
		return !s.includeMatches(line, subject, object)
	})
	errCapability := s.rewrite("revoke", s.cfg.CapabilityFile, func(line string) bool {
		return !s.capabilityMatches(line, subject, object)
	})
	if err := errors.Join(errInclude, errCapability); err != nil {
		return err
	}
	s.logger.Debug("revoked policy", "subject", subject, "object", object)
	return nil
}

// Entries returns the lines currently granted for (subject, object), include
// file first.
func (s *Store) Entries(subject, object string) ([]string, error) {
	var out []string
	for _, f := range []struct {
		path  string
		match func(string, string, string) bool
	}{
		{s.cfg.IncludeFile, s.includeMatches},
		{s.cfg.CapabilityFile, s.capabilityMatches},
	} {
		data, err := os.ReadFile(f.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		for _, line := range splitLines(data) {
			if f.match(line, subject, object) {
				out = append(out, line)
			}
		}
	}
	return out, nil
}

// Granted reports whether any line for (subject, object) is present.
func (s *Store) Granted(subject, object string) (bool, error) {
	entries, err := s.Entries(subject, object)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Setup creates the include file and makes sure every system policy file
// pulls it in.
func (s *Store) Setup() error {
	if err := s.appendLines("setup", s.cfg.IncludeFile, nil); err != nil {
		return err
	}

	directive := "!include include/" + filepath.Base(s.cfg.IncludeFile)
	for _, path := range s.cfg.SystemFiles {
		var present bool
		err := s.rewrite("setup", path, func(line string) bool {
			if strings.TrimSpace(line) == directive {
				present = true
			}
			return true
		})
		if err != nil {
			return err
		}
		if present {
			continue
		}
		if err := s.appendLines("setup", path, []string{directive}); err != nil {
			return err
		}
		s.logger.Info("added include directive", "file", path, "directive", directive)
	}
	return nil
}

func (s *Store) includeMatches(line, subject, object string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 3 && !isComment(fields) && fields[0] == subject && fields[1] == object
}

// capabilityMatches covers both the target-scoped lines and the
// administrative lines scoped to the control point.
func (s *Store) capabilityMatches(line, subject, object string) bool {
	fields := strings.Fields(line)
	if len(fields) < 5 || isComment(fields) || fields[2] != subject {
		return false
	}
	return fields[3] == object || fields[3] == s.cfg.ControlPoint
}

func (s *Store) appendLines(op, path string, lines []string) error {
	lf, err := lock.OpenLocked(path, 0o664, s.cfg.MaxAttempts)
	if err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	defer lf.Release()

	f := lf.File()
	info, err := f.Stat()
	if err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}

	var buf bytes.Buffer
	if info.Size() > 0 && len(lines) > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return &MutationError{Op: op, Path: path, Err: err}
		}
		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	if buf.Len() > 0 {
		if _, err := f.WriteAt(buf.Bytes(), info.Size()); err != nil {
			return &MutationError{Op: op, Path: path, Err: err}
		}
		if err := f.Sync(); err != nil {
			return &MutationError{Op: op, Path: path, Err: err}
		}
	}
	s.chgrp(path)
	return nil
}

// rewrite keeps the lines for which keep returns true. The file is only
// written when something was dropped.
func (s *Store) rewrite(op, path string, keep func(string) bool) error {
	lf, err := lock.OpenLocked(path, 0o664, s.cfg.MaxAttempts)
	if err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	defer lf.Release()

	f := lf.File()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}

	lines := splitLines(data)
	kept := lines[:0:0]
	for _, line := range lines {
		if keep(line) {
			kept = append(kept, line)
		}
	}
	if len(kept) == len(lines) {
		return nil
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := f.Truncate(0); err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &MutationError{Op: op, Path: path, Err: err}
	}
	return nil
}

// chgrp hands the file to the configured group. Failure is not fatal: the
// proxy may run without the privilege to change ownership.
func (s *Store) chgrp(path string) {
	if s.cfg.Group == "" {
		return
	}
	g, err := user.LookupGroup(s.cfg.Group)
	if err != nil {
		s.logger.Debug("policy group lookup failed", "group", s.cfg.Group, "error", err)
		return
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(path, -1, gid); err != nil {
		s.logger.Debug("policy chgrp failed", "file", path, "error", err)
	}
}

func splitLines(data []byte) []string {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func isComment(fields []string) bool {
	return strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], "!")
}

func validatePair(subject, object string) error {
	if err := validateToken("subject", subject); err != nil {
		return err
	}
	return validateToken("object", object)
}

func validateToken(kind, v string) error {
	if v == "" {
		return fmt.Errorf("policy %s is empty", kind)
	}
	if strings.ContainsAny(v, " \t\r\n") || strings.HasPrefix(v, "#") || strings.HasPrefix(v, "!") {
		return fmt.Errorf("policy %s %q is not a single token", kind, v)
	}
	return nil
}
