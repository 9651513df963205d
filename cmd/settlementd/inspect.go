package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"settlement-engine/internal/app"
	"settlement-engine/internal/config"
	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/progress"
	"settlement-engine/pkg/settlement"
)

type inspection struct {
	Investment *investment.Investment `json:"investment"`
	At         time.Time              `json:"at"`
	Progress   *progress.Snapshot     `json:"progress,omitempty"`
	Due        string                 `json:"due_transition,omitempty"`
	Invalid    string                 `json:"invalid,omitempty"`
	Reconciled *settlement.Result     `json:"reconciled,omitempty"`
}

func inspectCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		reconcile bool
		at        string
	)

	cmd := &cobra.Command{
		Use:   "inspect <investment-id>",
		Short: "Show an investment's progress and the transition due now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return err
				}
				now = t
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			inv, err := a.Store.GetInvestment(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := inspection{Investment: inv, At: now}
			if snap, err := progress.Take(inv, now); err == nil {
				out.Progress = &snap
			}
			d, err := settlement.Decide(inv, now)
			switch {
			case err != nil:
				out.Invalid = err.Error()
			case d.Due():
				out.Due = string(d.From) + " -> " + string(d.To)
			}

			if reconcile && err == nil {
				res, err := a.Engine.Reconcile(cmd.Context(), inv, now)
				if err != nil {
					return err
				}
				out.Reconciled = &res
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "apply the due transitions")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	return cmd
}
