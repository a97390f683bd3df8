package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treesync/treesync/internal/config"
	"github.com/treesync/treesync/internal/logging"
)

var (
	configFile string
	jsonOutput bool

	// Populated by the root command's PersistentPreRun.
	v    = config.New()
	cfg  *config.Config
	logs *logging.Logs
)

var rootCmd = &cobra.Command{
	Use:   "treesync",
	Short: "Mirror directory trees into SQLite and queue changed files for indexing",
	Long: `treesync keeps a database mirror of one or more project directories.

Each sync walks a project on disk, reconciles the stored tree with what it
finds (adding, updating, moving and deleting nodes) and queues every new or
changed file for indexing. The daemon does this continuously, debouncing
filesystem events, while workers drain the index queue.

Configuration is read from treesync.yaml in the working directory or
~/.config/treesync/, and every key can be overridden with a TREESYNC_*
environment variable (TREESYNC_WATCH_DEBOUNCE=2s).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.BindFlags(v, cmd.Root().PersistentFlags()); err != nil {
			fatalf("%v", err)
		}
		loaded, err := config.Load(v, configFile)
		if err != nil {
			fatalf("%v", err)
		}
		cfg = loaded

		logs, err = logging.New(cfg.Log)
		if err != nil {
			fatalf("failed to open log file: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "mirror", Title: "Mirror Commands:"},
		&cobra.Group{ID: "queue", Title: "Index Queue Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./treesync.yaml, then ~/.config/treesync/treesync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Mirror database path (default: ~/.treesync/mirror.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
