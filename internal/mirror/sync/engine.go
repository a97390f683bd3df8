package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// Config holds configuration for an Engine.
type Config struct {
	// Filter decides which entries are mirrored. Default: filter.Default().
	Filter *filter.Filter

	// Logger for sync events. Default: stderr with "[sync] " prefix.
	Logger *log.Logger
}

// Engine is the Syncer backed by the mirror database.
type Engine struct {
	db     *db.DB
	filter atomic.Pointer[filter.Filter]
	logger *log.Logger

	mu    stdsync.Mutex
	locks map[int64]*stdsync.Mutex
}

// New creates an Engine.
//
// The database connection must be initialized and have schema created
// before passing to this function.
//
// Example:
//
//	database, err := db.Open(".treesync/mirror.db")
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//	engine := sync.New(database, sync.Config{})
func New(database *db.DB, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Filter == nil {
		cfg.Filter = filter.Default()
	}

	e := &Engine{
		db:     database,
		logger: cfg.Logger,
		locks:  make(map[int64]*stdsync.Mutex),
	}
	e.filter.Store(cfg.Filter)
	return e
}

// SetFilter replaces the filter used by subsequent runs. A run already in
// progress keeps the filter it started with.
func (e *Engine) SetFilter(f *filter.Filter) {
	e.filter.Store(f)
}

// Filter returns the filter the next run will use.
func (e *Engine) Filter() *filter.Filter {
	return e.filter.Load()
}

// Sync implements Syncer.Sync.
func (e *Engine) Sync(ctx context.Context, project *schema.Project) (*SyncResult, error) {
	lock := e.lockFor(project.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	sc, err := walkProject(ctx, project.RootPath, e.Filter(), e.logger)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", project.Name, err)
	}

	result := &SyncResult{Skipped: sc.skipped}
	sort.Strings(result.Skipped)

	err = e.db.InTx(ctx, func(tx *db.Tx) error {
		stored, err := tx.ListNodes(ctx, project.ID)
		if err != nil {
			return err
		}

		if len(stored) == 0 {
			err = e.populate(ctx, tx, project, sc, result)
		} else {
			err = e.apply(ctx, tx, project, diff(stored, sc), result)
		}
		if err != nil {
			return err
		}

		return tx.TouchProjectSynced(ctx, project.ID, time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", project.Name, err)
	}

	result.Duration = time.Since(start)
	if result.Changed() {
		e.logger.Printf("Synced %s: %s", project.Name, result)
	}
	return result, nil
}

// populate fills an empty mirror in bulk.
func (e *Engine) populate(ctx context.Context, tx *db.Tx, project *schema.Project, sc *scan, result *SyncResult) error {
	specs := make([]db.NodeSpec, 0, len(sc.entries))
	for _, obs := range sc.entries {
		specs = append(specs, db.NodeSpec{
			RelativePath: obs.RelativePath,
			IsDirectory:  obs.IsDir,
			Size:         obs.Size,
			ModTime:      obs.ModTime,
		})
	}

	nodes, err := tx.ReplaceAll(ctx, project.ID, specs)
	if err != nil {
		return fmt.Errorf("initial population failed: %w", err)
	}

	paths := make([]string, 0, len(nodes))
	for p := range nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		n := nodes[p]
		if n.IsDirectory {
			result.DirectoriesAdded++
			continue
		}
		if _, _, err := tx.Enqueue(ctx, n.ID, project.AbsPath(p)); err != nil {
			return err
		}
		result.FilesAdded++
	}
	return nil
}

// apply executes a plan in dependency order: conflicting nodes are cleared,
// new entries are created top-down, moves are rewritten, the remaining stale
// nodes are deleted bottom-up and changed files are updated in place.
func (e *Engine) apply(ctx context.Context, tx *db.Tx, project *schema.Project, p *plan, result *SyncResult) error {
	deleteNode := func(n *schema.Node) error {
		if err := tx.Delete(ctx, n); err != nil {
			return err
		}
		if n.IsDirectory {
			result.DirectoriesDeleted++
		} else {
			result.FilesDeleted++
		}
		return nil
	}

	for _, n := range p.conflictRoots {
		if _, err := tx.DeleteTree(ctx, n); err != nil {
			return err
		}
	}
	for _, n := range p.conflicts {
		if n.IsDirectory {
			result.DirectoriesDeleted++
		} else {
			result.FilesDeleted++
		}
	}

	for _, obs := range p.created {
		node, err := tx.GetOrCreate(ctx, project.ID, obs.RelativePath, obs.IsDir,
			&db.FileMeta{Size: obs.Size, ModTime: obs.ModTime})
		if err != nil {
			return err
		}
		if obs.IsDir {
			result.DirectoriesAdded++
			continue
		}
		if _, _, err := tx.Enqueue(ctx, node.ID, project.AbsPath(obs.RelativePath)); err != nil {
			return err
		}
		result.FilesAdded++
	}

	for _, m := range p.moves {
		from := m.node.RelativePath
		if err := tx.Move(ctx, m.node, m.to.RelativePath); err != nil {
			return err
		}
		if _, _, err := tx.Enqueue(ctx, m.node.ID, project.AbsPath(m.to.RelativePath)); err != nil {
			return err
		}
		e.logger.Printf("Moved %s: %s -> %s", project.Name, from, m.to.RelativePath)
		result.FilesMoved++
	}

	for _, n := range p.removed {
		if err := deleteNode(n); err != nil {
			return err
		}
	}

	for _, u := range p.updated {
		if err := tx.UpdateMetadata(ctx, u.node, db.FileMeta{Size: u.obs.Size, ModTime: u.obs.ModTime}); err != nil {
			return err
		}
		if _, _, err := tx.Enqueue(ctx, u.node.ID, project.AbsPath(u.node.RelativePath)); err != nil {
			return err
		}
		result.FilesUpdated++
	}

	return nil
}

// lockFor returns the mutex that serializes runs for one project.
func (e *Engine) lockFor(projectID int64) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[projectID]
	if !ok {
		l = &stdsync.Mutex{}
		e.locks[projectID] = l
	}
	return l
}
