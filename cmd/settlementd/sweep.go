package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"settlement-engine/internal/app"
	"settlement-engine/internal/config"
)

func sweepCmd(load func() (*config.Config, error)) *cobra.Command {
	var failOnWarnings bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print its report",
		Long: `Run a single sweep over every Pending and Active investment and print
the report as JSON. Safe to run from cron alongside a serving instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, sweepErr := a.Sweeper.Sweep(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if sweepErr != nil {
				return sweepErr
			}
			if failOnWarnings && len(report.Warnings) > 0 {
				return fmt.Errorf("sweep %s finished with %d warnings", report.RunID, len(report.Warnings))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnWarnings, "fail-on-warnings", false, "exit non-zero if any record was skipped or failed")
	return cmd
}
