package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/staging"
	"github.com/hyperengineering/deltasync/internal/types"
)

var (
	rebuildInput    string
	rebuildFormat   string
	rebuildStrict   bool
	rebuildFailFast bool
	rebuildJSON     bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the source table from an extract",
	Long: "Loads a CSV or JSON Lines extract into a staging table typed by the " +
		"schema definition, then swaps it with the source table in one transaction. " +
		"The source table is untouched unless every chunk loads.",
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildInput, "input", "", "Extract file path, or - for stdin (required)")
	rebuildCmd.Flags().StringVar(&rebuildFormat, "format", "", "csv or jsonl (default: from file extension)")
	rebuildCmd.Flags().BoolVar(&rebuildStrict, "strict", false, "Reject fractional values in integer columns")
	rebuildCmd.Flags().BoolVar(&rebuildFailFast, "fail-fast", false, "Abort on the first failed chunk")
	rebuildCmd.Flags().BoolVar(&rebuildJSON, "json", false, "Output in JSON format")
	rebuildCmd.MarkFlagRequired("input")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := staging.LoadSchema(a.cfg.Source.SchemaPath)
	if err != nil {
		return err
	}

	rows, err := readExtract(cmd.InOrStdin(), rebuildInput, rebuildFormat)
	if err != nil {
		return err
	}

	opts := staging.Options{
		ChunkSize:      a.cfg.Staging.ChunkSize,
		Strict:         a.cfg.Staging.Strict,
		FailFast:       a.cfg.Staging.FailFast,
		ChunkAttempts:  a.cfg.Staging.ChunkAttempts,
		MaxRejectRatio: a.cfg.Staging.MaxRejectRatio,
	}
	if cmd.Flags().Changed("strict") {
		opts.Strict = rebuildStrict
	}
	if cmd.Flags().Changed("fail-fast") {
		opts.FailFast = rebuildFailFast
	}

	res, err := staging.NewManager(a.store.DB(), a.store.Dialect(), opts).Rebuild(ctx, def, rows)
	if res != nil {
		if rebuildJSON {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		} else {
			printRebuild(cmd.OutOrStdout(), res)
		}
	}
	return err
}

func printRebuild(w io.Writer, res *staging.RebuildResult) {
	if res.Load != nil {
		fmt.Fprintf(w, "Loaded %d rows into %s in %d chunks\n", res.Load.RowsLoaded, res.Staging, res.Load.Chunks)
		for _, r := range res.Load.Rejected {
			fmt.Fprintf(w, "  rejected row %d (%s): %s\n", r.Index, r.Column, r.Reason)
		}
		if len(res.Load.FailedChunks) > 0 {
			fmt.Fprintf(w, "  failed chunks: %v\n", res.Load.FailedChunks)
		}
	}
	if res.Swapped {
		fmt.Fprintf(w, "Swapped %s into %s\n", res.Staging, res.Table)
	} else {
		fmt.Fprintf(w, "%s left unchanged; staging table %s kept for inspection\n", res.Table, res.Staging)
	}
}

// readExtract reads rows from path ("-" for stdin) in the given format.
func readExtract(stdin io.Reader, path, format string) ([]types.Record, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			format = "csv"
		case ".jsonl", ".ndjson":
			format = "jsonl"
		default:
			return nil, fmt.Errorf("cannot infer format of %q, use --format", path)
		}
	}

	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open extract: %w", err)
		}
		defer f.Close()
		r = f
	}

	switch format {
	case "csv":
		return readCSV(r)
	case "jsonl":
		return readJSONL(r)
	default:
		return nil, fmt.Errorf("unknown format %q (want csv or jsonl)", format)
	}
}

func readCSV(r io.Reader) ([]types.Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []types.Record
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(types.Record, len(header))
		for i, col := range header {
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
}

func readJSONL(r io.Reader) ([]types.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var rows []types.Record
	for line := 1; ; line++ {
		var row types.Record
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read jsonl record %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}
