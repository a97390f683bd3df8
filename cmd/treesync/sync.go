package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treesync/treesync/internal/logging"
	"github.com/treesync/treesync/internal/metrics"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
	"github.com/treesync/treesync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [project...]",
	GroupID: "mirror",
	Short:   "Reconcile project mirrors with the filesystem",
	Long: `Run a full sync for the named projects, or every active project with --all.

A sync walks the project root, applies additions, updates, moves and deletions
to the mirror in one transaction and queues new or changed files for indexing.
Entries that cannot be read are reported and left as they were. Projects are
synced in parallel.

Examples:
  treesync sync docs
  treesync sync --all --json`,
	Run: runSync,
}

// syncOutcome is one project's line in the JSON report.
type syncOutcome struct {
	Project string                 `json:"project"`
	Result  *mirrorsync.SyncResult `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func init() {
	syncCmd.Flags().Bool("all", false, "Sync every active project")
	syncCmd.Flags().Int("parallel", 4, "Maximum number of projects synced at once")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	parallel, _ := cmd.Flags().GetInt("parallel")

	switch {
	case all && len(args) > 0:
		fatalf("--all cannot be combined with project names")
	case !all && len(args) == 0:
		fatalf("specify a project or --all")
	}

	ctx := cmd.Context()
	database := openDB()
	defer database.Close()

	var projects []*schema.Project
	if all {
		var err error
		if projects, err = database.ListProjects(ctx, true); err != nil {
			fatalf("%v", err)
		}
	} else {
		for _, ref := range args {
			projects = append(projects, mustFindProject(ctx, database, ref))
		}
	}

	engine := mirrorsync.New(database, mirrorsync.Config{
		Filter: buildFilter(),
		Logger: logs.Logger(logging.Sync),
	})

	outcomes := make([]syncOutcome, len(projects))
	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, p := range projects {
		g.Go(func() error {
			result, err := engine.Sync(ctx, p)
			metrics.RecordSync(p.Name, result, err)
			outcomes[i] = syncOutcome{Project: p.Name, Result: result}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}

	if jsonOutput {
		outputJSON(outcomes)
	} else {
		for _, o := range outcomes {
			switch {
			case o.Error != "":
				fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), o.Project, o.Error)
			case o.Result.Changed():
				fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), o.Project, o.Result)
			default:
				fmt.Printf("%s %s: %s\n", ui.RenderMuted("="), o.Project, ui.RenderMuted("up to date"))
			}
			if o.Result != nil {
				for _, p := range o.Result.Skipped {
					fmt.Printf("   %s skipped %s\n", ui.RenderWarn("⚠"), p)
				}
			}
		}
		if len(outcomes) == 0 {
			fmt.Println("No active projects to sync")
		}
	}

	if failed > 0 {
		database.Close()
		os.Exit(1)
	}
}
