package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "mirror",
	Short:   "Manage mirrored projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a directory tree to mirror",
	Long: `Register a directory tree under a unique name.

The path is stored absolute. Nothing is mirrored until the first sync,
either from 'treesync sync <name>' or from a running daemon.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		name, root := args[0], args[1]

		abs, err := filepath.Abs(root)
		if err != nil {
			fatalf("resolving %s: %v", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			fatalf("%v", err)
		}
		if !info.IsDir() {
			fatalf("%s is not a directory", abs)
		}

		database := openDB()
		defer database.Close()

		p, err := database.AddProject(cmd.Context(), name, abs)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(p)
			return
		}
		fmt.Printf("%s Added project %s (id %d)\n", ui.RenderPass("✓"), ui.RenderBold(p.Name), p.ID)
		fmt.Printf("   Root: %s\n", p.RootPath)
		fmt.Printf("\nRun '%s' to mirror it now\n", ui.RenderAccent("treesync sync "+p.Name))
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer database.Close()

		projects, err := database.ListProjects(cmd.Context(), false)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(projects)
			return
		}
		if len(projects) == 0 {
			fmt.Println("No projects registered. Add one with 'treesync project add <name> <path>'.")
			return
		}

		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			active := ui.RenderPass("yes")
			if !p.Active {
				active = ui.RenderMuted("no")
			}
			rows = append(rows, []string{
				strconv.FormatInt(p.ID, 10), p.Name, active, formatTime(p.LastSyncedAt), p.RootPath,
			})
		}
		fmt.Print(ui.Table([]string{"ID", "NAME", "ACTIVE", "LAST SYNC", "ROOT"}, rows))
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project>",
	Short: "Remove a project together with its mirror and queue entries",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		database := openDB()
		defer database.Close()

		ctx := cmd.Context()
		p := mustFindProject(ctx, database, args[0])

		if !yes {
			if !ui.ShouldPrompt() {
				fatalf("refusing to remove %s without --yes", p.Name)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Remove project %s?", p.Name)).
				Description("Its mirrored tree and index queue entries are deleted. Files on disk are not touched.").
				Affirmative("Remove").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := database.RemoveProject(ctx, p.ID); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Removed project %s\n", ui.RenderPass("✓"), p.Name)
	},
}

func newProjectActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			ctx := cmd.Context()
			p := mustFindProject(ctx, database, args[0])
			if err := database.SetProjectActive(ctx, p.ID, active); err != nil {
				fatalf("%v", err)
			}

			state := "paused"
			if active {
				state = "resumed"
			}
			fmt.Printf("%s Project %s %s\n", ui.RenderPass("✓"), p.Name, state)
			fmt.Println("   A running daemon picks this up on its next restart.")
		},
	}
}

func init() {
	projectRemoveCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(newProjectActiveCmd("pause", "Stop the daemon from watching a project", false))
	projectCmd.AddCommand(newProjectActiveCmd("resume", "Let the daemon watch a project again", true))
	rootCmd.AddCommand(projectCmd)
}
