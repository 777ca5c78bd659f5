package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/ingest"
	"github.com/hyperengineering/deltasync/internal/types"
)

var (
	detectPlanOnly bool
	detectJSON     bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Classify source rows against the stored state",
	Long: "Compares the source table with stored content hashes and records NEW, " +
		"CHANGED and DELETED headers and lines. With --plan nothing is written.",
	Args: cobra.NoArgs,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().BoolVar(&detectPlanOnly, "plan", false, "Report the classification without writing it")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Output in JSON format")
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := ingest.NewService(a.store, a.mapping, a.cfg.Source.Table)

	var d types.DetectSummary
	if detectPlanOnly {
		plan, err := svc.Detect(ctx)
		if err != nil {
			return err
		}
		d = plan.Summary
	} else {
		s, err := svc.Run(ctx)
		if err != nil {
			return err
		}
		d = *s
	}

	if detectJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Source rows: %d\n", d.SourceRows)
	fmt.Fprintf(cmd.OutOrStdout(), "Headers: %s\n", formatLabels(d.Counts))
	fmt.Fprintf(cmd.OutOrStdout(), "Lines: %d added, %d changed, %d deleted\n", d.LinesAdded, d.LinesChanged, d.LinesDeleted)
	for _, e := range d.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", e)
	}
	if detectPlanOnly {
		fmt.Fprintln(cmd.OutOrStdout(), "Plan only: no changes written.")
	}
	return nil
}
