package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/mirror/schema"
	"github.com/treesync/treesync/internal/ui"
)

// projectStatus summarizes one project's mirror and queue.
type projectStatus struct {
	Project     *schema.Project    `json:"project"`
	Files       int                `json:"files"`
	Directories int                `json:"directories"`
	Queue       schema.QueueCounts `json:"queue"`
}

var statusCmd = &cobra.Command{
	Use:     "status [project]",
	GroupID: "mirror",
	Short:   "Show mirror and index queue status",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		database := openDB()
		defer database.Close()

		var projects []*schema.Project
		if len(args) == 1 {
			projects = []*schema.Project{mustFindProject(ctx, database, args[0])}
		} else {
			var err error
			if projects, err = database.ListProjects(ctx, false); err != nil {
				fatalf("%v", err)
			}
		}

		statuses := make([]projectStatus, 0, len(projects))
		for _, p := range projects {
			files, dirs, err := database.CountNodes(ctx, p.ID)
			if err != nil {
				fatalf("%v", err)
			}
			counts, err := database.Counts(ctx, &p.ID)
			if err != nil {
				fatalf("%v", err)
			}
			statuses = append(statuses, projectStatus{Project: p, Files: files, Directories: dirs, Queue: counts})
		}

		if jsonOutput {
			outputJSON(statuses)
			return
		}

		fmt.Printf("\n%s treesync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s", cfg.Database.Path)
		if info, err := os.Stat(cfg.Database.Path); err == nil {
			fmt.Printf(" (%s)", ui.FormatSize(info.Size()))
		}
		fmt.Println()

		if len(statuses) == 0 {
			fmt.Printf("\n%s No projects registered\n\n", ui.RenderWarn("⚠"))
			return
		}

		for _, s := range statuses {
			p := s.Project
			state := ""
			if !p.Active {
				state = " " + ui.RenderMuted("(paused)")
			}
			fmt.Printf("\n%s%s\n", ui.RenderBold(p.Name), state)
			fmt.Printf("   Root:      %s\n", p.RootPath)
			fmt.Printf("   Mirror:    %s, %s\n", ui.Count(s.Files, "file"), ui.Count(s.Directories, "directory"))
			fmt.Printf("   Last sync: %s\n", formatTime(p.LastSyncedAt))
			fmt.Printf("   Queue:     %d pending, %d processing, %d completed, %s\n",
				s.Queue.Pending, s.Queue.Processing, s.Queue.Completed, renderFailed(s.Queue.Failed))
		}
		fmt.Println()
	},
}

func renderFailed(n int) string {
	s := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return ui.RenderFail(s)
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
