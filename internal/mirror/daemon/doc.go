// Package daemon watches project roots and keeps their mirrors current.
//
// # Architecture
//
// The daemon consists of two components:
//
//   - FileWatcher: recursive fsnotify watches over every active project root
//   - Coordinator: debounces change events per project and runs syncs
//
// Filesystem events are only a hint. Each one marks its project as changed;
// once the project has been quiet for the debounce period (or MaxWait has
// passed since the first event of a burst) the coordinator runs a full sync,
// which rediscovers exactly what changed. Dropped or coalesced events are
// therefore harmless.
//
// Per project the coordinator is in one of three states:
//
//	Idle ──event──► Pending ──deadline──► Running ──done──► Idle
//	                   ▲                     │
//	                   └──── event seen ─────┘
//	                         during run
//
// Runs of one project never overlap, and any number of events received
// during a run produce exactly one follow-up run.
//
// # Usage
//
//	syncer := sync.New(database, sync.Config{Filter: f})
//	cfg := daemon.DefaultConfig()
//	cfg.Filter = f
//	coord, err := daemon.NewWithConfig(database, syncer, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Stop()
//
// Start schedules an initial sync of every active project, so changes made
// while the daemon was not running are picked up.
package daemon
