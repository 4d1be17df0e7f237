package main

import (
	"fmt"

	"github.com/maneesh/dropvault/internal/transfer"
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete every expired transfer once and exit",
	Long: `reap runs a single expiry sweep, for deployments that schedule cleanup
externally (cron, Kubernetes CronJob) instead of inside "serve".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(ctx, logger)

		reaper := transfer.NewReaper(a.transfers, logger, cfg.ReaperInterval, cfg.ReaperBatchLimit)
		n, err := reaper.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reap failed after %d transfers: %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d expired transfers\n", n)
		return nil
	},
}
