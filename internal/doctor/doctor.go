// Package doctor checks that the control point is ready to proxy plays:
// required tools, policy files and a sane configuration.
package doctor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/qubes-proxy/internal/config"
	"github.com/mattjoyce/qubes-proxy/internal/lock"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// requiredTools are the qvm-* tools the proxy shells out to.
var requiredTools = []string{
	"qvm-ls", "qvm-prefs", "qvm-features", "qvm-create",
	"qvm-start", "qvm-shutdown", "qvm-kill", "qvm-run",
}

// Doctor validates configuration against the local system.
type Doctor struct {
	cfg         *config.Config
	lookPath    func(string) (string, error)
	lookupGroup func(string) (*user.Group, error)
	checkFS     func(string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, lookupGroup: user.LookupGroup, checkFS: lock.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkTools(r)
	d.checkQfileAgent(r)
	d.checkPolicyFiles(r)
	d.checkPolicyGroup(r)
	d.checkLockFilesystems(r)
	d.warnLeftoverGrants(r)
	d.warnDispatchSettings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkTools looks for the qvm-* tools and ansible-playbook on PATH.
func (d *Doctor) checkTools(r *Result) {
	for _, tool := range requiredTools {
		if _, err := d.lookPath(tool); err != nil {
			d.addError(r, "tools", "", fmt.Sprintf("%s not found on PATH (is this the admin domain?)", tool))
		}
	}
	if _, err := d.lookPath(d.cfg.Ansible.Binary); err != nil {
		d.addError(r, "tools", "ansible.binary", fmt.Sprintf("%s not found: %v", d.cfg.Ansible.Binary, err))
	}
}

func (d *Doctor) checkQfileAgent(r *Result) {
	agent := d.cfg.Sandbox.QfileAgent
	info, err := os.Stat(agent)
	switch {
	case err != nil:
		d.addError(r, "sandbox", "sandbox.qfile_agent", fmt.Sprintf("%s: %v", agent, err))
	case info.IsDir() || info.Mode().Perm()&0o111 == 0:
		d.addError(r, "sandbox", "sandbox.qfile_agent", fmt.Sprintf("%s is not executable", agent))
	}
}

// checkPolicyFiles verifies the policy directories exist and the include
// directive has been installed by "policy setup".
func (d *Doctor) checkPolicyFiles(r *Result) {
	p := d.cfg.Policy
	for field, path := range map[string]string{
		"policy.include_file":    p.IncludeFile,
		"policy.capability_file": p.CapabilityFile,
	} {
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			d.addError(r, "policy", field, fmt.Sprintf("directory of %s: %v", path, err))
		}
	}

	if _, err := os.Stat(p.IncludeFile); os.IsNotExist(err) {
		d.addWarning(r, "policy", "policy.include_file",
			fmt.Sprintf("%s does not exist; run 'qubes-proxy policy setup'", p.IncludeFile))
	}

	directive := "!include include/" + filepath.Base(p.IncludeFile)
	for i, sys := range p.SystemFiles {
		data, err := os.ReadFile(sys)
		if err != nil {
			d.addWarning(r, "policy", fmt.Sprintf("policy.system_files[%d]", i), fmt.Sprintf("%s: %v", sys, err))
			continue
		}
		if !containsLine(data, directive) {
			d.addWarning(r, "policy", fmt.Sprintf("policy.system_files[%d]", i),
				fmt.Sprintf("%s lacks %q; run 'qubes-proxy policy setup'", sys, directive))
		}
	}
}

func (d *Doctor) checkPolicyGroup(r *Result) {
	if d.cfg.Policy.Group == "" {
		return
	}
	if _, err := d.lookupGroup(d.cfg.Policy.Group); err != nil {
		d.addWarning(r, "policy", "policy.group",
			fmt.Sprintf("group %q not found; policy files will keep their current group", d.cfg.Policy.Group))
	}
}

// checkLockFilesystems makes sure the files that are flocked live on a local
// filesystem.
func (d *Doctor) checkLockFilesystems(r *Result) {
	for field, path := range map[string]string{
		"sandbox.lock_dir":       d.cfg.Sandbox.LockDir,
		"policy.include_file":    d.cfg.Policy.IncludeFile,
		"policy.capability_file": d.cfg.Policy.CapabilityFile,
	} {
		if err := d.checkFS(path); err != nil {
			d.addError(r, "locking", field, err.Error())
		}
	}
}

// warnLeftoverGrants reports grants for sandboxes that no running session
// should still hold, typically after a crash.
func (d *Doctor) warnLeftoverGrants(r *Result) {
	prefix := d.cfg.Sandbox.Prefix
	for _, path := range []string{d.cfg.Policy.IncludeFile, d.cfg.Policy.CapabilityFile} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		n := 0
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			for _, f := range fields[:min(len(fields), 3)] {
				if strings.HasPrefix(f, prefix) {
					n++
					break
				}
			}
		}
		if n > 0 {
			d.addWarning(r, "policy", "",
				fmt.Sprintf("%s holds %d line(s) for %s* sandboxes; revoke them with 'qubes-proxy policy revoke' if no run is active", path, n, prefix))
		}
	}
}

func (d *Doctor) warnDispatchSettings(r *Result) {
	if d.cfg.Dispatch.Forks > 16 {
		d.addWarning(r, "dispatch", "dispatch.forks",
			fmt.Sprintf("%d forks means up to %d disposables at once; check available memory", d.cfg.Dispatch.Forks, d.cfg.Dispatch.Forks))
	}
	if d.cfg.Sandbox.SettleDelay == 0 {
		d.addWarning(r, "sandbox", "sandbox.settle_delay",
			"settle_delay is 0; back-to-back sessions may race with disposable cleanup")
	}
}

func containsLine(data []byte, want string) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == want {
			return true
		}
	}
	return false
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("All checks passed.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Checks passed")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
