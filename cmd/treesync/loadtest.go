package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/mirror/loadtest"
	"github.com/treesync/treesync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure index queue claims under concurrent workers",
	Long: `Populate a scratch mirror, queue every file and let concurrent claimers
drain it, reporting claim latency percentiles and verifying that no entry is
handed to two claimers.

With --mixed, claimers then run for the given duration alongside a writer
that keeps re-queueing files, and the run fails if any file ends up with two
active entries.

Examples:
  treesync loadtest
  treesync loadtest --files 50000 --claimers 32 --batch 64
  treesync loadtest --mixed 10s`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		files, _ := cmd.Flags().GetInt("files")
		perDir, _ := cmd.Flags().GetInt("per-dir")
		claimers, _ := cmd.Flags().GetInt("claimers")
		batch, _ := cmd.Flags().GetInt("batch")
		mixed, _ := cmd.Flags().GetDuration("mixed")

		if files <= 0 || claimers <= 0 || batch <= 0 {
			fatalf("--files, --claimers and --batch must be positive")
		}

		dir, err := os.MkdirTemp("", "treesync-loadtest-*")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("%s Creating mirror with %d files...\n", ui.RenderAccent("🔄"), files)
		start := time.Now()
		td, err := loadtest.CreateTestDatabase(filepath.Join(dir, "loadtest.db"), files, perDir)
		if err != nil {
			fatalf("%v", err)
		}
		defer td.Close()
		fmt.Printf("   %s, %s in %v\n\n", ui.Count(td.TotalFiles, "file"), ui.Count(td.TotalDirs, "directory"),
			time.Since(start).Round(time.Millisecond))

		report, err := td.RunConcurrentClaims(claimers, batch)
		if report != nil {
			if jsonOutput {
				outputJSON(report)
			} else {
				report.Latency.PrintStats(os.Stdout)
				fmt.Printf("\nClaimed %d of %d entries with %d claimers in %v\n",
					report.Claimed, td.TotalFiles, claimers, report.Elapsed.Round(time.Millisecond))
			}
		}
		if err != nil {
			fatalf("%v", err)
		}
		if report.DoubleClaims > 0 {
			fatalf("%d entries were claimed more than once", report.DoubleClaims)
		}
		if !jsonOutput {
			fmt.Printf("%s No double claims\n", ui.RenderPass("✓"))
		}

		if mixed > 0 {
			fmt.Printf("\n%s Mixed workload for %v...\n", ui.RenderAccent("🔄"), mixed)
			if err := td.RunMixedWorkload(claimers, mixed); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s At most one active entry per file\n", ui.RenderPass("✓"))
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("files", 10000, "Number of files in the scratch mirror")
	loadtestCmd.Flags().Int("per-dir", 50, "Files per directory")
	loadtestCmd.Flags().Int("claimers", 10, "Concurrent claimers")
	loadtestCmd.Flags().Int("batch", 16, "Entries claimed per round trip")
	loadtestCmd.Flags().Duration("mixed", 0, "Also run claimers against a concurrent writer for this long")
	rootCmd.AddCommand(loadtestCmd)
}
