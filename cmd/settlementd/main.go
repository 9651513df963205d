// Command settlementd runs the investment settlement service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"settlement-engine/internal/config"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Investment lifecycle and settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env SETTLE_* overrides it)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(sweepCmd(load))
	rootCmd.AddCommand(inspectCmd(load))

	return rootCmd
}
