package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

// Config holds configuration for the coordinator.
type Config struct {
	// Debounce is the quiet period after the last event before a sync fires.
	Debounce time.Duration

	// MaxWait caps how long a continuous stream of events can postpone a
	// sync, measured from the first event of the burst. 0 disables the cap.
	MaxWait time.Duration

	// Filter drops events from excluded paths before they reach the debouncer.
	// It should match the filter the Syncer uses.
	Filter *filter.Filter

	// Logger for coordinator activity
	Logger *log.Logger

	// OnSyncComplete, if set, is called after every sync run, including
	// failed ones. It runs on the sync goroutine and must not block for long.
	OnSyncComplete func(project *schema.Project, result *mirrorsync.SyncResult, err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 500 * time.Millisecond,
		MaxWait:  10 * time.Second,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// ProjectStatus is a snapshot of one watched project.
type ProjectStatus struct {
	ProjectID  int64                  `json:"project_id"`
	Name       string                 `json:"name"`
	State      string                 `json:"state"`
	LastSyncAt *time.Time             `json:"last_sync_at,omitempty"`
	LastResult *mirrorsync.SyncResult `json:"last_result,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
}

// watchedProject is the coordinator's per-project state.
type watchedProject struct {
	project *schema.Project
	trigger *projectTrigger
	timer   *time.Timer

	// runMu serializes timer-driven runs with RunNow.
	runMu sync.Mutex

	lastSyncAt *time.Time
	lastResult *mirrorsync.SyncResult
	lastErr    error
}

// Coordinator turns filesystem events into debounced sync runs.
//
// Each active project gets a recursive watch on its root and a trigger state
// machine. Bursts of events are coalesced into one run, a run is never started
// while another run of the same project is in progress, and events that
// arrive during a run schedule exactly one follow-up. Each run happens on its
// own goroutine so a slow project does not hold up the others.
type Coordinator struct {
	db      *db.DB
	syncer  mirrorsync.Syncer
	watcher *FileWatcher
	config  *Config
	now     func() time.Time

	mu       sync.Mutex
	projects map[int64]*watchedProject
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Coordinator with default configuration.
//
// Use Start() to begin watching and syncing.
func New(database *db.DB, syncer mirrorsync.Syncer) (*Coordinator, error) {
	return NewWithConfig(database, syncer, DefaultConfig())
}

// NewWithConfig creates a coordinator with custom configuration.
func NewWithConfig(database *db.DB, syncer mirrorsync.Syncer, config *Config) (*Coordinator, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}
	if config.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %v", config.Debounce)
	}
	if config.MaxWait < 0 {
		return nil, fmt.Errorf("max wait cannot be negative, got %v", config.MaxWait)
	}

	watcher, err := NewFileWatcher(config.Filter, config.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		db:       database,
		syncer:   syncer,
		watcher:  watcher,
		config:   config,
		now:      time.Now,
		projects: make(map[int64]*watchedProject),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start watches every active project and schedules an initial full sync for
// each, so changes missed while the coordinator was down are reconciled.
// It returns once the watches are in place; syncs run in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.config.Logger.Println("Starting coordinator")

	projects, err := c.db.ListProjects(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if err := c.watcher.Start(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.watchFileEvents()

	for _, p := range projects {
		if err := c.AddProject(p); err != nil {
			c.config.Logger.Printf("Warning: not watching %s: %v", p.Name, err)
		}
	}

	c.config.Logger.Printf("Watching %d projects (%d directories)", len(projects), c.watcher.WatchCount())
	return nil
}

// Stop cancels in-flight syncs, tears down all watches and waits for
// background goroutines to exit.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for _, wp := range c.projects {
		if wp.timer != nil {
			wp.timer.Stop()
		}
	}
	c.mu.Unlock()

	c.config.Logger.Println("Stopping coordinator")
	c.cancel()

	if err := c.watcher.Stop(); err != nil {
		c.config.Logger.Printf("Error closing watcher: %v", err)
	}

	c.wg.Wait()

	c.config.Logger.Println("Coordinator stopped")
	return nil
}

// AddProject starts watching a project and schedules an immediate sync.
func (c *Coordinator) AddProject(p *schema.Project) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator stopped")
	}
	if _, ok := c.projects[p.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	wp := &watchedProject{
		project: p,
		trigger: newProjectTrigger(c.config.Debounce, c.config.MaxWait),
	}
	c.projects[p.ID] = wp
	c.mu.Unlock()

	if err := c.watcher.AddRoot(p.ID, p.RootPath); err != nil {
		// The initial sync still runs and reports the unreachable root.
		c.config.Logger.Printf("Warning: failed to watch %s: %v", p.RootPath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		wp.trigger.force(c.now())
		c.scheduleLocked(wp)
	}
	return nil
}

// RemoveProject stops watching a project. A sync already running for it is
// allowed to finish.
func (c *Coordinator) RemoveProject(projectID int64) {
	c.mu.Lock()
	wp, ok := c.projects[projectID]
	if ok {
		delete(c.projects, projectID)
		if wp.timer != nil {
			wp.timer.Stop()
		}
	}
	c.mu.Unlock()

	c.watcher.RemoveRoot(projectID)
}

// SetFilter replaces the filter applied to incoming events.
func (c *Coordinator) SetFilter(f *filter.Filter) {
	c.watcher.SetFilter(f)
}

// Trigger records a change for a project as if a filesystem event had
// arrived, so a debounced sync follows.
func (c *Coordinator) Trigger(projectID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wp, ok := c.projects[projectID]
	if !ok {
		return fmt.Errorf("project %d: %w", projectID, schema.ErrProjectNotFound)
	}

	wp.trigger.observe(c.now())
	if wp.trigger.state == StatePending {
		c.scheduleLocked(wp)
	}
	return nil
}

// RunNow syncs a project synchronously, bypassing the debounce but never
// overlapping another run of the same project.
func (c *Coordinator) RunNow(ctx context.Context, projectID int64) (*mirrorsync.SyncResult, error) {
	c.mu.Lock()
	wp, ok := c.projects[projectID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("project %d: %w", projectID, schema.ErrProjectNotFound)
	}

	return c.runSync(ctx, wp)
}

// Status returns a snapshot of every watched project, ordered by name.
func (c *Coordinator) Status() []ProjectStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ProjectStatus, 0, len(c.projects))
	for _, wp := range c.projects {
		st := ProjectStatus{
			ProjectID:  wp.project.ID,
			Name:       wp.project.Name,
			State:      wp.trigger.state.String(),
			LastSyncAt: wp.lastSyncAt,
			LastResult: wp.lastResult,
		}
		if wp.lastErr != nil {
			st.LastError = wp.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// watchFileEvents feeds watcher events into the per-project triggers.
func (c *Coordinator) watchFileEvents() {
	defer c.wg.Done()

	events := c.watcher.Events()
	errs := c.watcher.Errors()
	for events != nil || errs != nil {
		select {
		case <-c.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := c.Trigger(ev.ProjectID); err != nil {
				c.config.Logger.Printf("Dropping %s event for %s: %v", ev.Op, ev.Path, err)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// scheduleLocked arms the project's timer for its current deadline.
// c.mu must be held.
func (c *Coordinator) scheduleLocked(wp *watchedProject) {
	if c.stopped {
		return
	}
	if wp.timer != nil {
		wp.timer.Stop()
	}

	delay := wp.trigger.deadline().Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	id := wp.project.ID
	wp.timer = time.AfterFunc(delay, func() { c.fire(id) })
}

// fire runs when a project's timer expires.
func (c *Coordinator) fire(projectID int64) {
	c.mu.Lock()
	wp, ok := c.projects[projectID]
	if !ok || c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.now()
	if !wp.trigger.due(now) {
		// An event arrived after the timer was armed; wait for the new deadline.
		if wp.trigger.state == StatePending {
			c.scheduleLocked(wp)
		}
		c.mu.Unlock()
		return
	}
	wp.trigger.start()
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		_, _ = c.runSync(c.ctx, wp)

		c.mu.Lock()
		defer c.mu.Unlock()
		if wp.trigger.finish() && c.projects[projectID] == wp {
			c.scheduleLocked(wp)
		}
	}()
}

// runSync performs one sync under the project's run lock and records the outcome.
func (c *Coordinator) runSync(ctx context.Context, wp *watchedProject) (*mirrorsync.SyncResult, error) {
	wp.runMu.Lock()
	result, err := c.syncer.Sync(ctx, wp.project)
	wp.runMu.Unlock()

	now := c.now()
	c.mu.Lock()
	wp.lastSyncAt = &now
	wp.lastResult = result
	wp.lastErr = err
	c.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		c.config.Logger.Printf("Sync of %s failed: %v", wp.project.Name, err)
	}

	if c.config.OnSyncComplete != nil {
		c.config.OnSyncComplete(wp.project, result, err)
	}
	return result, err
}
