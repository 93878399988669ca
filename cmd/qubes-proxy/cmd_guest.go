package main

import (
	"github.com/spf13/cobra"

	"github.com/mattjoyce/qubes-proxy/internal/guest"
)

// newGuestRunCmd is the qubes.AnsibleVM service entry point inside a
// management disposable. The payload arrives on stdin.
func newGuestRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "guest-run",
		Short:  "Run a transferred work unit (qubes.AnsibleVM service)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			h, err := guest.New(guest.Config{
				IncomingDir: cfg.Guest.IncomingDir,
				WorkDir:     cfg.Guest.WorkDir,
				Binary:      cfg.Ansible.Binary,
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
			}, logger)
			if err != nil {
				return err
			}
			code, err := h.Serve(cmd.Context(), cmd.InOrStdin())
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
}
