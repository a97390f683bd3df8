package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treesync/treesync/internal/logging"
	"github.com/treesync/treesync/internal/metrics"
	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	"github.com/treesync/treesync/internal/mirror/worker"
	"github.com/treesync/treesync/internal/ui"
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	GroupID: "queue",
	Short:   "Drain the index queue",
	Long: `Claim pending index queue entries and index their files.

The default extractor records an xxhash checksum of each file's content on
its node. Without --once the worker keeps polling until interrupted and runs
queue housekeeping (stale reset, failed retry, completed purge) alongside.
Several workers may share one database.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		once, _ := cmd.Flags().GetBool("once")

		ctx := cmd.Context()
		database := openDB()
		defer database.Close()

		pool := worker.NewPool(database, poolConfig(cmd, database))

		if once {
			start := time.Now()
			n, err := pool.Drain(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			stats := pool.Stats()
			if jsonOutput {
				outputJSON(stats)
				return
			}
			fmt.Printf("%s Processed %s in %v (%d completed, %s)\n",
				ui.RenderPass("✓"), ui.Count(n, "entry"), time.Since(start).Round(time.Millisecond),
				stats.Completed, renderFailed(int(stats.Failed)))
			return
		}

		hk := worker.NewHousekeeper(database, housekeeperConfig())

		fmt.Printf("%s Starting index worker...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", cfg.Database.Path)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { hk.Run(gctx); return nil })
		if err := g.Wait(); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	workerCmd.Flags().String("project", "", "Only index files of this project")
	workerCmd.Flags().Bool("once", false, "Drain the queue and exit")
	workerCmd.Flags().Int("concurrency", 0, "Files indexed in parallel (default: worker.concurrency)")
	rootCmd.AddCommand(workerCmd)
}

// poolConfig builds the worker configuration from config plus flags shared by
// the worker and daemon commands.
func poolConfig(cmd *cobra.Command, database *db.DB) worker.Config {
	pc := worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
		Logger:       logs.Logger(logging.Worker),
		OnProcessed: func(_ *schema.QueueEntry, elapsed time.Duration, err error) {
			metrics.RecordIndexed(elapsed, err)
		},
	}
	if f := cmd.Flags().Lookup("project"); f != nil {
		pc.ProjectID = projectFlag(cmd, database)
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		pc.Concurrency = n
	}
	return pc
}

func housekeeperConfig() worker.HousekeeperConfig {
	return worker.HousekeeperConfig{
		Interval:    cfg.Housekeeping.Interval,
		StaleAfter:  cfg.Queue.StaleAfter,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retention:   cfg.Queue.Retention,
		Logger:      logs.Logger(logging.Queue),
	}
}
