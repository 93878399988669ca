package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/qubes-proxy/internal/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and seal the configuration",
	}
	cmd.AddCommand(newConfigGetCmd(g), newConfigLockCmd(g))
	return cmd
}

func newConfigGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Print the effective configuration, or one dotted path of it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			var v any = cfg
			if len(args) == 1 {
				if v, err = cfg.GetPath(args[0]); err != nil {
					return err
				}
			}
			out, err := yaml.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			fprintf(cmd.OutOrStdout(), "%s", out)
			return nil
		},
	}
}

func newConfigLockCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums of the configuration files",
		Long: `Lock writes a .checksums manifest next to the configuration. Once present,
every load verifies the configuration files against it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if path == "" {
				found, err := config.Discover()
				if err != nil {
					return err
				}
				path = found
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if fi, statErr := os.Stat(abs); statErr == nil && fi.IsDir() {
				abs = filepath.Join(abs, "config.yaml")
			}
			rep, err := config.GenerateChecksumsWithReport(filepath.Dir(abs), []string{filepath.Base(abs)}, dryRun)
			if err != nil {
				return err
			}
			for _, f := range rep.Files {
				if !f.Exists {
					fprintf(cmd.OutOrStdout(), "  %-24s (missing)\n", f.Filename)
					continue
				}
				fprintf(cmd.OutOrStdout(), "  %-24s %s\n", f.Filename, f.Hash)
			}
			if rep.Written {
				fprintf(cmd.OutOrStdout(), "Wrote %s\n", rep.ChecksumPath)
			} else {
				fprintf(cmd.OutOrStdout(), "Dry run: %s not written\n", rep.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the checksums without writing the manifest")
	return cmd
}
