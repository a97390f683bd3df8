package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	"github.com/treesync/treesync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and maintain the index queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List index queue entries, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		database := openDB()
		defer database.Close()

		filter := db.QueueFilter{Limit: limit, ProjectID: projectFlag(cmd, database)}
		if statusFlag != "" {
			status, err := schema.ParseQueueStatus(statusFlag)
			if err != nil {
				fatalf("%v", err)
			}
			filter.Status = status
		}

		entries, err := database.ListEntries(ctx, filter)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			detail := e.FilePath
			if e.ErrorMessage != "" {
				detail += " " + ui.RenderFail("("+e.ErrorMessage+")")
			}
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				ui.RenderStatus(e.Status),
				strconv.Itoa(e.Attempts),
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				detail,
			})
		}
		fmt.Print(ui.Table([]string{"ID", "STATUS", "TRIES", "QUEUED", "FILE"}, rows))
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed entries to pending",
	Long: `Return failed entries to pending so workers pick them up again.

Only entries claimed fewer than --max-attempts times are retried (default:
queue.max_attempts from the configuration; 0 retries every failed entry).
An entry whose file has meanwhile been queued again is left failed.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		database := openDB()
		defer database.Close()

		maxAttempts := cfg.Queue.MaxAttempts
		if cmd.Flags().Changed("max-attempts") {
			maxAttempts, _ = cmd.Flags().GetInt("max-attempts")
		}

		n, err := database.RetryFailed(ctx, projectFlag(cmd, database), maxAttempts)
		if err != nil {
			fatalf("%v", err)
		}
		report(n, "Retried %s", "failed entry")
	},
}

var queueResetStaleCmd = &cobra.Command{
	Use:   "reset-stale",
	Short: "Return entries stuck in processing to pending",
	Long: `Return entries that have been processing for longer than --older-than to
pending. Use this after a worker crashed mid-batch. Defaults to
queue.stale_after from the configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan := cfg.Queue.StaleAfter
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}
		if olderThan < 0 {
			fatalf("--older-than cannot be negative")
		}

		database := openDB()
		defer database.Close()

		n, err := database.ResetStale(cmd.Context(), olderThan)
		if err != nil {
			fatalf("%v", err)
		}
		report(n, "Reset %s", "stale entry")
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed entries",
	Long: `Delete completed entries that finished before a cutoff.

The cutoff defaults to queue.retention before now. --before accepts a
duration, a date or a phrase:

  treesync queue purge --before 72h
  treesync queue purge --before 2025-01-02
  treesync queue purge --before "3 days ago"`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")

		now := time.Now()
		cutoff := now.Add(-cfg.Queue.Retention)
		if before != "" {
			var err error
			if cutoff, err = parseCutoff(before, now); err != nil {
				fatalf("%v", err)
			}
		}

		database := openDB()
		defer database.Close()

		n, err := database.PurgeCompletedBefore(cmd.Context(), cutoff)
		if err != nil {
			fatalf("%v", err)
		}
		report(n, "Purged %s completed before "+cutoff.Local().Format("2006-01-02 15:04"), "entry")
	},
}

// projectFlag resolves the optional --project flag.
func projectFlag(cmd *cobra.Command, database *db.DB) *int64 {
	ref, _ := cmd.Flags().GetString("project")
	if ref == "" {
		return nil
	}
	p := mustFindProject(cmd.Context(), database, ref)
	return &p.ID
}

func report(n int, format, noun string) {
	if jsonOutput {
		outputJSON(map[string]int{"count": n})
		return
	}
	fmt.Printf("%s "+format+"\n", ui.RenderPass("✓"), ui.Count(n, noun))
}

func init() {
	queueListCmd.Flags().String("project", "", "Only entries of this project")
	queueListCmd.Flags().String("status", "", "Only entries in this status (pending, processing, completed, failed)")
	queueListCmd.Flags().Int("limit", 50, "Maximum number of entries (0 = all)")

	queueRetryCmd.Flags().String("project", "", "Only entries of this project")
	queueRetryCmd.Flags().Int("max-attempts", 0, "Retry entries claimed fewer times than this (0 = no limit)")

	queueResetStaleCmd.Flags().Duration("older-than", 0, "Minimum time in processing")

	queuePurgeCmd.Flags().String("before", "", "Cutoff: duration, date or phrase such as \"3 days ago\"")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueResetStaleCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
