package main

import (
	"github.com/spf13/cobra"
)

func newPolicyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and maintain the qrexec policy files",
	}
	cmd.AddCommand(newPolicySetupCmd(g), newPolicyShowCmd(g), newPolicyRevokeCmd(g))
	return cmd
}

func newPolicySetupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the include file and reference it from the system policy files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			store, err := newPolicyStore(cfg, logger)
			if err != nil {
				return err
			}
			if err := store.Setup(); err != nil {
				return err
			}
			fprintf(cmd.OutOrStdout(), "Policy include %s is set up.\n", cfg.Policy.IncludeFile)
			return nil
		},
	}
}

func newPolicyShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <subject> <object>",
		Short: "Print the policy lines granted to a subject for an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			store, err := newPolicyStore(cfg, logger)
			if err != nil {
				return err
			}
			entries, err := store.Entries(args[0], args[1])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fprintf(cmd.OutOrStdout(), "No grants for %s -> %s.\n", args[0], args[1])
				return nil
			}
			for _, line := range entries {
				fprintf(cmd.OutOrStdout(), "%s\n", line)
			}
			return nil
		},
	}
}

func newPolicyRevokeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <subject> <object>",
		Short: "Remove every grant for a subject and object, e.g. after an interrupted run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			store, err := newPolicyStore(cfg, logger)
			if err != nil {
				return err
			}
			return store.Revoke(cmd.Context(), args[0], args[1])
		},
	}
}
