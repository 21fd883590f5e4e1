package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/sweeper"
	"github.com/jo-hoe/docmark/internal/tasks"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass and exit",
	Long: `sweep expires finished tasks older than retention.window, fails
PROCESSING tasks older than retention.staleAfter and purges old tombstones.
It is safe to run while a server uses the same store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.Server)

		store, err := tasks.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer func() { _ = store.Close() }()

		sw := sweeper.New(logger, store, storage.NewPaths(cfg.Server.StorageDir), cfg.Retention)
		rep := sw.SweepOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d, failed %d, stale %d, purged %d\n", rep.Expired, rep.Failed, rep.Stale, rep.Purged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
