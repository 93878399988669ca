package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qubes-proxy/internal/qubes"
)

func newVMCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "vm <command> <name>",
		Short: "Control a qube's power state",
		Long: fmt.Sprintf(`Run a single power command against a qube.

Commands: %s`, strings.Join(qubes.CommandNames(), ", ")),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := qubes.ParseCommand(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			e := &qubes.Executor{
				Manager:  newVMManager(logger),
				Interval: cfg.Sandbox.PollInterval,
				Timeout:  cfg.Sandbox.ShutdownTimeout,
			}
			out, err := e.Execute(cmd.Context(), command, args[1])
			if err != nil {
				return err
			}
			if out != "" {
				fprintf(cmd.OutOrStdout(), "%s\n", out)
			}
			return nil
		},
	}
}
