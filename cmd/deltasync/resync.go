package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resyncCmd = &cobra.Command{
	Use:   "resync <header_key>...",
	Short: "Forget board ids so records are created again",
	Long: "Clears the external item, group and sub-item ids of the given headers " +
		"and their lines and marks them PENDING. Use after items were removed " +
		"from the board by hand.",
	Args: cobra.MinimumNArgs(1),
	RunE: runResync,
}

func runResync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, key := range args {
		if err := a.store.ResetExternalIDs(ctx, key); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", key)
	}
	return nil
}
