package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/types"
)

var (
	errorsRecordKey string
	errorsOperation string
	errorsLimit     int
	errorsJSON      bool
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List error ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runErrors,
}

func init() {
	errorsCmd.Flags().StringVar(&errorsRecordKey, "record-key", "", "Only entries for this record key")
	errorsCmd.Flags().StringVar(&errorsOperation, "operation", "", "Only entries for this operation (group, item, subitem, detect, persist, staging)")
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 50, "Maximum entries, newest first")
	errorsCmd.Flags().BoolVar(&errorsJSON, "json", false, "Output in JSON format")
}

func runErrors(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ListErrors(ctx, types.LedgerFilter{
		RecordKey: errorsRecordKey,
		Operation: types.Operation(errorsOperation),
		Limit:     errorsLimit,
	})
	if err != nil {
		return fmt.Errorf("list errors: %w", err)
	}

	if errorsJSON {
		if entries == nil {
			entries = []types.LedgerEntry{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"errors": entries,
			"total":  len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No errors recorded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "TIME\tOPERATION\tRECORD\tCLASS\tRETRIES\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Operation,
			e.RecordKey,
			e.Class,
			e.RetryCount,
			oneLine(e.Message, 80),
		)
	}
	return w.Flush()
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > width {
		return s[:width-3] + "..."
	}
	return s
}
