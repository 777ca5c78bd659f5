package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/worker"
)

var retryMax int

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move retryable ERROR records back to PENDING",
	Long: "Promotes records in ERROR whose ledger retry count is below the ceiling " +
		"so the next sync picks them up. Records at the ceiling are listed.",
	Args: cobra.NoArgs,
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().IntVar(&retryMax, "max-retries", 0, "Retry ceiling (0 = sync.max_retries)")
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ceiling := retryMax
	if ceiling <= 0 {
		ceiling = a.cfg.Sync.MaxRetries
	}

	n := worker.NewRetryCoordinator(a.store, 0, ceiling).Promote(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d records to PENDING\n", n)

	terminal, err := a.store.TerminalErrors(ctx, ceiling)
	if err != nil {
		return err
	}
	if len(terminal) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d records at the retry ceiling (%d):\n", len(terminal), ceiling)
		for _, key := range terminal {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", key)
		}
	}
	return nil
}
