package main

import (
	"log/slog"

	"github.com/mattjoyce/qubes-proxy/internal/config"
	"github.com/mattjoyce/qubes-proxy/internal/policy"
	"github.com/mattjoyce/qubes-proxy/internal/qubes"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
	"github.com/mattjoyce/qubes-proxy/internal/session"
)

// newVMManager is replaced in tests.
var newVMManager = func(logger *slog.Logger) qubes.Manager {
	return qubes.NewQvm(qubes.ExecRunner{}, logger)
}

func newPolicyStore(cfg *config.Config, logger *slog.Logger) (*policy.Store, error) {
	return policy.New(policy.Config{
		IncludeFile:    cfg.Policy.IncludeFile,
		CapabilityFile: cfg.Policy.CapabilityFile,
		SystemFiles:    cfg.Policy.SystemFiles,
		ControlPoint:   cfg.Dispatch.ControlPoint,
		Group:          cfg.Policy.Group,
		MaxAttempts:    cfg.Policy.MaxAttempts,
	}, logger)
}

func sessionConfig(cfg *config.Config, opts rpc.Options) session.Config {
	s := cfg.Sandbox
	return session.Config{
		Prefix:          s.Prefix,
		MaxNameLength:   s.MaxNameLength,
		Class:           s.Class,
		ControlPoint:    cfg.Dispatch.ControlPoint,
		PollInterval:    s.PollInterval,
		StartTimeout:    s.StartTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		SettleDelay:     s.SettleDelay,
		LockDir:         s.LockDir,
		QfileAgent:      s.QfileAgent,
		Options:         opts,
	}
}
