package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qubes-proxy/internal/config"
	"github.com/mattjoyce/qubes-proxy/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root qubes-proxy command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "qubes-proxy",
		Short: "Run Ansible plays on Qubes OS through management disposables",
		Long: `qubes-proxy runs each remote host's part of a play inside that host's
management disposable, granting it narrowly scoped qrexec access for the
duration of the run. Hosts that are the control point run directly.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("qubes-proxy {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default: $"+config.EnvConfigPath+", ~/.config/qubes-proxy/config.yaml, /etc/qubes-proxy/config.yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format override (json, text, auto)")

	cmd.AddCommand(
		newRunCmd(g),
		newVMCmd(g),
		newPolicyCmd(g),
		newCleanupCmd(g),
		newDoctorCmd(g),
		newGuestRunCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration and builds the logger. verbosity is the -v
// count of commands that have one.
func (g *globalFlags) load(cmd *cobra.Command, verbosity int) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Service.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	format := cfg.Service.LogFormat
	if g.logFormat != "" {
		format = g.logFormat
	}
	logger := log.New(log.Options{
		Level:  log.LevelForVerbosity(verbosity, level),
		Format: format,
		Writer: cmd.ErrOrStderr(),
	})
	if cfg.Path != "" {
		logger.Debug("configuration loaded", "path", cfg.Path)
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qubes-proxy %s\ncommit: %s\nbuilt:  %s\n", version, gitCommit, buildDate)
		},
	}
}
