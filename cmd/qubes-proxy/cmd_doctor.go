package main

import (
	"github.com/spf13/cobra"

	"github.com/mattjoyce/qubes-proxy/internal/doctor"
)

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this system can run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd, 0)
			if err != nil {
				return err
			}
			res := doctor.New(cfg).Validate()
			if asJSON {
				out, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fprintf(cmd.OutOrStdout(), "%s\n", out)
			} else {
				fprintf(cmd.OutOrStdout(), "%s", doctor.FormatHuman(res))
			}
			if !res.Valid {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
