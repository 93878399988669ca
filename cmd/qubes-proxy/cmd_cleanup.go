package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qubes-proxy/internal/workspace"
)

func newCleanupCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete workspaces and archives left behind by interrupted runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Workspace.StaleAfter
			}
			m, err := workspace.NewFSManager(cfg.Workspace.BaseDir, "")
			if err != nil {
				return err
			}
			rep, err := m.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			logger.Info("workspace cleanup finished", "dirs", rep.DeletedDirs, "archives", rep.DeletedArchives)
			fprintf(cmd.OutOrStdout(), "Removed %d workspace(s) and %d archive(s) older than %s.\n",
				rep.DeletedDirs, rep.DeletedArchives, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of removed entries (default: workspace.stale_after)")
	return cmd
}
