package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "text": true, "auto": true}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text, auto (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Dispatch.Forks < 1 {
		return fmt.Errorf("dispatch.forks must be at least 1")
	}
	if cfg.Dispatch.ControlPoint == "" {
		return fmt.Errorf("dispatch.control_point is required")
	}
	if cfg.Dispatch.FailureCode < 1 || cfg.Dispatch.FailureCode > 255 {
		return fmt.Errorf("dispatch.failure_code must be within 1..255 (got %d)", cfg.Dispatch.FailureCode)
	}

	s := cfg.Sandbox
	if s.Prefix == "" {
		return fmt.Errorf("sandbox.prefix is required")
	}
	if s.MaxNameLength <= len(s.Prefix) {
		return fmt.Errorf("sandbox.max_name_length (%d) must exceed the prefix length", s.MaxNameLength)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("sandbox.poll_interval must be positive")
	}
	if s.StartTimeout <= 0 || s.ShutdownTimeout <= 0 {
		return fmt.Errorf("sandbox.start_timeout and sandbox.shutdown_timeout must be positive")
	}
	if s.SettleDelay < 0 {
		return fmt.Errorf("sandbox.settle_delay must not be negative")
	}
	if s.LockDir == "" {
		return fmt.Errorf("sandbox.lock_dir is required")
	}

	p := cfg.Policy
	if !filepath.IsAbs(p.IncludeFile) || !filepath.IsAbs(p.CapabilityFile) {
		return fmt.Errorf("policy.include_file and policy.capability_file must be absolute paths")
	}
	if p.IncludeFile == p.CapabilityFile {
		return fmt.Errorf("policy.include_file and policy.capability_file must differ")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy.max_attempts must be at least 1")
	}

	if strings.TrimSpace(cfg.Workspace.BaseDir) == "" {
		return fmt.Errorf("workspace.base_dir is required")
	}
	if cfg.Ansible.Binary == "" {
		return fmt.Errorf("ansible.binary is required")
	}
	return nil
}
