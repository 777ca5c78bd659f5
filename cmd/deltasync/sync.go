package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/orchestrator"
	"github.com/hyperengineering/deltasync/internal/types"
	"github.com/hyperengineering/deltasync/internal/worker"
)

// errRunFailed makes the process exit non-zero for an unsuccessful run.
var errRunFailed = errors.New("sync run did not succeed")

var (
	syncDryRun  bool
	syncLimit   int
	syncWorkers int
	syncJSON    bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Detect changes and push pending records to the board",
	Long: "Runs change detection against the source table, then creates or updates " +
		"groups, items and sub-items for every pending record. With --dry-run, " +
		"detection is skipped and the mutation payloads are printed instead of sent.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Build payloads without calling the board or writing state")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "Maximum pending headers to process (0 = config default)")
	syncCmd.Flags().IntVar(&syncWorkers, "workers", 0, "Concurrent batches (0 = config default)")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output the pass result as JSON")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline()
	if err != nil {
		return err
	}

	limit := syncLimit
	if limit == 0 {
		limit = a.cfg.Sync.Limit
	}
	res, err := p.RunOnce(ctx, orchestrator.Options{
		Workers: syncWorkers,
		Limit:   limit,
		DryRun:  syncDryRun,
	})
	if res == nil || res.Run == nil {
		return err
	}

	if syncJSON {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	} else {
		printPass(cmd.OutOrStdout(), res)
	}

	if err != nil {
		return err
	}
	if !res.Run.Success {
		return errRunFailed
	}
	return nil
}

func printPass(w io.Writer, res *worker.PassResult) {
	if d := res.Detect; d != nil {
		fmt.Fprintf(w, "Detected %d source rows: %s\n", d.SourceRows, formatLabels(d.Counts))
		fmt.Fprintf(w, "Lines: %d added, %d changed, %d deleted\n", d.LinesAdded, d.LinesChanged, d.LinesDeleted)
	}

	r := res.Run
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s%s: %d synced, %d errored, %d skipped in %.1fs\n",
		r.RunID, mode, r.RecordsSynced, r.RecordsErrored, r.RecordsSkipped, r.ElapsedSeconds)
	fmt.Fprintf(w, "Batches: %d of %d succeeded\n", r.BatchesSucceeded, r.BatchesAttempted)
	for _, class := range sortedClasses(r.ErrorsByClass) {
		fmt.Fprintf(w, "  %s: %d\n", class, r.ErrorsByClass[class])
	}
	if r.Fatal != "" {
		fmt.Fprintf(w, "Fatal: %s\n", r.Fatal)
	}
	for _, p := range r.Payloads {
		fmt.Fprintf(w, "--- %s %s %s\n%s\n", p.Phase, p.Kind, p.RecordUUID, p.Body)
	}
}

func formatLabels(counts map[types.Label]int) string {
	labels := []types.Label{types.LabelNew, types.LabelChanged, types.LabelUnchanged, types.LabelDeleted, types.LabelError}
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d %s", counts[l], l)
	}
	return out
}

func sortedClasses(m map[types.ErrorClass]int) []types.ErrorClass {
	out := make([]types.ErrorClass, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
