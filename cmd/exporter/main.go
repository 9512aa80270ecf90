package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zgpcy/llm-cost-exporter/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	root := &cobra.Command{
		Use:           "llm-cost-exporter",
		Short:         "Prometheus exporter for LLM provider usage and cost",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}
