package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/credentials"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and report each provider's credential strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printSummary(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

// printSummary writes one line per provider account. It fails if any enabled provider
// has no usable credential strategy.
func printSummary(out io.Writer, cfg *config.Config) error {
	usageStart, err := cfg.UsageStartTime(time.Now())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tENABLED\tINTERVAL\tSTRATEGY")

	var failed int
	for _, p := range cfg.Providers {
		strategy := "-"
		if p.IsEnabled() {
			s, err := credentials.SelectStrategy(p.Credentials)
			if err != nil {
				strategy = "error: " + err.Error()
				failed++
			} else {
				strategy = s.Name()
			}
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Key(), p.IsEnabled(), p.PollInterval, strategy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nusage window starts %s, http port %d\n", usageStart.Format(time.RFC3339), cfg.HTTPPort)
	if failed > 0 {
		return fmt.Errorf("%d provider(s) have no usable credentials", failed)
	}
	fmt.Fprintln(out, "configuration OK")
	return nil
}
