package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/archive"
	"github.com/hyperengineering/deltasync/internal/board"
	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/ingest"
	"github.com/hyperengineering/deltasync/internal/orchestrator"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "deltasync",
	Short:         "deltasync - order delta sync to a board service",
	Long:          "Detects changed order records, rebuilds the source table and pushes pending work to the board service.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides DELTASYNC_CONFIG_PATH)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	store   *store.SQLStore
	mapping *config.Mapping
}

// loadApp loads configuration, installs the logger and opens the store.
// The mapping is only loaded when withMapping is set.
func loadApp(cmd *cobra.Command, withMapping bool) (*app, error) {
	if configPath != "" {
		os.Setenv("DELTASYNC_CONFIG_PATH", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))

	a := &app{cfg: cfg}
	if withMapping {
		m, err := config.LoadMapping(cfg.Source.MappingPath)
		if err != nil {
			return nil, err
		}
		a.mapping = m
	}

	a.store, err = store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	slog.Debug("store initialized", "component", "cli", "driver", cfg.Database.Driver)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("store close error", "component", "cli", "error", err)
	}
}

// pipeline wires detection, the board client and the orchestrator.
func (a *app) pipeline() (*worker.Pipeline, error) {
	ext := a.cfg.External
	if a.mapping.BoardID != "" {
		ext.BoardID = a.mapping.BoardID
	}
	if a.mapping.SubitemBoardID != "" {
		ext.SubitemBoardID = a.mapping.SubitemBoardID
	}
	client := board.NewClient(board.OptionsFromConfig(ext), nil)

	archiver, err := archive.New(a.cfg.Archive)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(a.store, client, a.mapping, a.cfg.Sync.Workers).WithArchiver(archiver)
	detector := ingest.NewService(a.store, a.mapping, a.cfg.Source.Table)
	return worker.NewPipeline(detector, orch), nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printJSON marshals v to indented JSON on w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
