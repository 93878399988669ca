package doctor

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/qubes-proxy/internal/config"
)

// healthy returns a Doctor over a temp policy tree where every check passes.
func healthy(t *testing.T) (*Doctor, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	include := filepath.Join(dir, "include")
	if err := os.MkdirAll(include, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Policy.IncludeFile = filepath.Join(include, "qubes-ansible")
	cfg.Policy.CapabilityFile = filepath.Join(dir, "30-qubes-ansible.policy")
	cfg.Policy.SystemFiles = []string{filepath.Join(include, "admin-local-rwx")}
	cfg.Sandbox.QfileAgent = filepath.Join(dir, "qfile-dom0-agent")

	writeFile(t, cfg.Policy.IncludeFile, "")
	writeFile(t, cfg.Policy.SystemFiles[0], "# admin\n!include include/qubes-ansible\n")
	writeFile(t, cfg.Sandbox.QfileAgent, "#!/bin/sh\n")
	if err := os.Chmod(cfg.Sandbox.QfileAgent, 0o755); err != nil {
		t.Fatal(err)
	}

	d := New(cfg)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	d.lookupGroup = func(name string) (*user.Group, error) { return &user.Group{Name: name}, nil }
	d.checkFS = func(string) error { return nil }
	return d, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_Healthy(t *testing.T) {
	d, _ := healthy(t)
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_MissingTools(t *testing.T) {
	d, _ := healthy(t)
	d.lookPath = func(name string) (string, error) {
		if name == "qvm-run" || name == "ansible-playbook" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}

	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "tools", "qvm-run") || !hasIssue(r.Errors, "tools", "ansible-playbook") {
		t.Errorf("missing tool errors, got %v", r.Errors)
	}
}

func TestValidate_QfileAgentNotExecutable(t *testing.T) {
	d, cfg := healthy(t)
	if err := os.Chmod(cfg.Sandbox.QfileAgent, 0o644); err != nil {
		t.Fatal(err)
	}

	r := d.Validate()
	if !hasIssue(r.Errors, "sandbox", "not executable") {
		t.Errorf("expected qfile agent error, got %v", r.Errors)
	}
}

func TestValidate_PolicyNotSetUp(t *testing.T) {
	d, cfg := healthy(t)
	writeFile(t, cfg.Policy.SystemFiles[0], "# admin\n")
	if err := os.Remove(cfg.Policy.IncludeFile); err != nil {
		t.Fatal(err)
	}

	r := d.Validate()
	if !r.Valid {
		t.Fatalf("policy setup issues are warnings, got errors: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "policy", "policy setup") {
		t.Errorf("expected setup warning, got %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "policy", "!include include/qubes-ansible") {
		t.Errorf("expected include directive warning, got %v", r.Warnings)
	}
}

func TestValidate_LeftoverGrants(t *testing.T) {
	d, cfg := healthy(t)
	writeFile(t, cfg.Policy.CapabilityFile,
		"qubes.VMShell        * disp-mgmt-work work allow\n"+
			"qubes.VMShell        * sys-usb dom0 allow\n")

	r := d.Validate()
	if !hasIssue(r.Warnings, "policy", "1 line(s)") {
		t.Errorf("expected leftover grant warning, got %v", r.Warnings)
	}
}

func TestValidate_MissingGroupWarns(t *testing.T) {
	d, _ := healthy(t)
	d.lookupGroup = func(string) (*user.Group, error) { return nil, user.UnknownGroupError("qubes") }

	r := d.Validate()
	if !r.Valid || !hasIssue(r.Warnings, "policy", "group") {
		t.Errorf("expected group warning only, got %+v", r)
	}
}

func TestFormatHuman(t *testing.T) {
	out := FormatHuman(&Result{Valid: true})
	if out != "All checks passed.\n" {
		t.Errorf("unexpected output %q", out)
	}

	out = FormatHuman(&Result{
		Errors:   []Issue{{Category: "tools", Message: "qvm-run not found"}},
		Warnings: []Issue{{Category: "policy", Field: "policy.group", Message: "missing"}},
	})
	for _, want := range []string{"Checks failed (1 error(s), 1 warning(s))", "ERROR [tools] qvm-run not found", "WARN  [policy] policy.group: missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Errorf("unexpected JSON %s", out)
	}
}

func TestValidate_LockOnNetworkFilesystem(t *testing.T) {
	d, cfg := healthy(t)
	d.checkFS = func(path string) error {
		if path == cfg.Sandbox.LockDir {
			return errors.New("lock path is on network filesystem \"nfs\"")
		}
		return nil
	}

	r := d.Validate()
	if r.Valid {
		t.Fatal("expected validation to fail")
	}
	if !hasIssue(r.Errors, "locking", "nfs") {
		t.Fatalf("expected locking error, got %+v", r.Errors)
	}
}
