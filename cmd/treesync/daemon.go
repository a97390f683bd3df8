package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treesync/treesync/internal/config"
	"github.com/treesync/treesync/internal/logging"
	"github.com/treesync/treesync/internal/metrics"
	"github.com/treesync/treesync/internal/mirror/daemon"
	"github.com/treesync/treesync/internal/mirror/dashboard"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
	"github.com/treesync/treesync/internal/mirror/worker"
	"github.com/treesync/treesync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "mirror",
	Short:   "Watch active projects and keep their mirrors in sync (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync every active project once at startup
  2. Watch project directories for filesystem events
  3. Debounce bursts of events into a single sync per project
  4. Drain the index queue with an in-process worker (unless --no-worker)

With --dashboard, a WebSocket feed of sync results and queue statistics is
served on /ws alongside /status, /health and Prometheus /metrics.

Filter rules are reloaded when the config file changes; the next sync uses
the new rules.`,
	Args: cobra.NoArgs,
	Run:  runDaemon,
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard and metrics")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default: dashboard.port)")
	daemonCmd.Flags().Bool("no-worker", false, "Do not index files in this process")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	withDashboard, _ := cmd.Flags().GetBool("dashboard")
	port, _ := cmd.Flags().GetInt("port")
	noWorker, _ := cmd.Flags().GetBool("no-worker")
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	ctx := cmd.Context()
	database := openDB()
	defer database.Close()

	f := buildFilter()
	engine := mirrorsync.New(database, mirrorsync.Config{
		Filter: f,
		Logger: logs.Logger(logging.Sync),
	})

	watchLogger := logs.Logger(logging.Watch)
	dcfg := &daemon.Config{
		Debounce: cfg.Watch.Debounce,
		MaxWait:  cfg.Watch.MaxWait,
		Filter:   f,
		Logger:   watchLogger,
		OnSyncComplete: func(p *schema.Project, result *mirrorsync.SyncResult, err error) {
			metrics.RecordSync(p.Name, result, err)
		},
	}
	pcfg := poolConfig(cmd, database)

	var (
		coord   *daemon.Coordinator
		server  *dashboard.Server
		handler *dashboard.Handler
	)
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Status: func() any { return coord.Status() },
			Logger: logs.Logger(logging.Dashboard),
		})
		handler = dashboard.NewHandler(server, database, logs.Logger(logging.Dashboard))
		dcfg.OnSyncComplete = handler.OnSyncComplete
		pcfg.OnProcessed = handler.OnIndexed
	}

	coord, err := daemon.NewWithConfig(database, engine, dcfg)
	if err != nil {
		fatalf("%v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if server != nil {
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}
		defer func() { _ = server.Stop() }()
		g.Go(func() error { handler.WatchQueue(gctx, 5*time.Second); return nil })

		fmt.Printf("%s Dashboard on http://%s (WebSocket /ws)\n", ui.RenderAccent("📡"), server.GetAddr())
	}

	config.Watch(v, func(next *config.Config, err error) {
		if err != nil {
			watchLogger.Printf("Ignoring config change: %v", err)
			return
		}
		nf, err := next.BuildFilter()
		if err != nil {
			watchLogger.Printf("Ignoring filter change: %v", err)
			return
		}
		engine.SetFilter(nf)
		coord.SetFilter(nf)
		watchLogger.Printf("Reloaded filter rules from %s", v.ConfigFileUsed())
	})

	if !noWorker {
		pool := worker.NewPool(database, pcfg)
		hk := worker.NewHousekeeper(database, housekeeperConfig())
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { hk.Run(gctx); return nil })
	}

	fmt.Printf("%s Starting treesync daemon...\n", ui.RenderAccent("🚀"))
	fmt.Printf("   Database: %s\n", cfg.Database.Path)
	fmt.Printf("   Debounce: %v (max wait %v)\n", cfg.Watch.Debounce, cfg.Watch.MaxWait)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	if err := coord.Start(gctx); err != nil {
		fatalf("%v", err)
	}

	<-gctx.Done()

	fmt.Println("\nShutting down...")
	if err := coord.Stop(); err != nil {
		watchLogger.Printf("Error stopping coordinator: %v", err)
	}
	if err := g.Wait(); err != nil {
		fatalf("%v", err)
	}
}
