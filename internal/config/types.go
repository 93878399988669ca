package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete qubes-proxy configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Policy    PolicyConfig    `yaml:"policy"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Ansible   AnsibleConfig   `yaml:"ansible"`
	Guest     GuestConfig     `yaml:"guest"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DispatchConfig controls how hosts are split and fanned out.
type DispatchConfig struct {
	Forks        int      `yaml:"forks"`
	ControlPoint string   `yaml:"control_point"`
	Aliases      []string `yaml:"aliases"`
	FailureCode  int      `yaml:"failure_code"`
}

// SandboxConfig defines management disposable naming and lifecycle.
type SandboxConfig struct {
	Prefix          string        `yaml:"prefix"`
	MaxNameLength   int           `yaml:"max_name_length"`
	Class           string        `yaml:"class"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	LockDir         string        `yaml:"lock_dir"`
	QfileAgent      string        `yaml:"qfile_agent"`
}

// PolicyConfig locates the qrexec policy files mutated per session.
type PolicyConfig struct {
	IncludeFile    string   `yaml:"include_file"`
	CapabilityFile string   `yaml:"capability_file"`
	SystemFiles    []string `yaml:"system_files"`
	Group          string   `yaml:"group"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// WorkspaceConfig defines where per-session workspaces live.
type WorkspaceConfig struct {
	BaseDir    string        `yaml:"base_dir"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AnsibleConfig defines the local ansible-playbook invocation.
type AnsibleConfig struct {
	Binary    string   `yaml:"binary"`
	RolesPath []string `yaml:"roles_path"`
}

// GuestConfig is used by guest-run inside a management disposable.
type GuestConfig struct {
	IncomingDir string `yaml:"incoming_dir"`
	WorkDir     string `yaml:"work_dir"`
}

// Defaults returns a Config matching a stock Qubes OS dom0.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "qubes-proxy",
			LogLevel:  "warn",
			LogFormat: "auto",
		},
		Dispatch: DispatchConfig{
			Forks:        5,
			ControlPoint: "dom0",
			Aliases:      []string{"localhost"},
			FailureCode:  255,
		},
		Sandbox: SandboxConfig{
			Prefix:          "disp-mgmt-",
			MaxNameLength:   31,
			Class:           "DispVM",
			PollInterval:    time.Second,
			StartTimeout:    2 * time.Minute,
			ShutdownTimeout: 2 * time.Minute,
			SettleDelay:     2 * time.Second,
			LockDir:         filepath.Join(os.TempDir(), "qubes-proxy", "locks"),
			QfileAgent:      "/usr/lib/qubes/qfile-dom0-agent",
		},
		Policy: PolicyConfig{
			IncludeFile:    "/etc/qubes/policy.d/include/qubes-ansible",
			CapabilityFile: "/etc/qubes/policy.d/30-qubes-ansible.policy",
			SystemFiles: []string{
				"/etc/qubes/policy.d/include/admin-local-rwx",
				"/etc/qubes/policy.d/include/admin-global-ro",
			},
			Group:       "qubes",
			MaxAttempts: 5,
		},
		Workspace: WorkspaceConfig{
			BaseDir:    os.TempDir(),
			StaleAfter: 24 * time.Hour,
		},
		Ansible: AnsibleConfig{
			Binary: "ansible-playbook",
		},
		Guest: GuestConfig{
			IncomingDir: "~/QubesIncoming/dom0",
		},
	}
}
