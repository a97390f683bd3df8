package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

// fakeSyncer counts runs per project and tracks overlap.
type fakeSyncer struct {
	mu     sync.Mutex
	calls  map[int64]int
	active map[int64]int
	// overlapped is set if two runs of one project were ever in flight together.
	overlapped atomic.Bool

	// gate, when non-nil, blocks every run until it is closed.
	gate chan struct{}
	err  error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{calls: make(map[int64]int), active: make(map[int64]int)}
}

func (f *fakeSyncer) Sync(ctx context.Context, p *schema.Project) (*mirrorsync.SyncResult, error) {
	f.mu.Lock()
	f.calls[p.ID]++
	f.active[p.ID]++
	if f.active[p.ID] > 1 {
		f.overlapped.Store(true)
	}
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[p.ID]--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &mirrorsync.SyncResult{FilesAdded: 1, Duration: time.Millisecond}, nil
}

func (f *fakeSyncer) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// setupCoordinator opens a database with one project per name and builds a
// coordinator with a short debounce. The coordinator is stopped at cleanup.
func setupCoordinator(t *testing.T, syncer mirrorsync.Syncer, names ...string) (*Coordinator, *db.DB, []*schema.Project) {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.Open(filepath.Join(tmpDir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())

	var projects []*schema.Project
	for _, name := range names {
		root := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(root, 0755))
		p, err := database.AddProject(context.Background(), name, root)
		require.NoError(t, err)
		projects = append(projects, p)
	}

	cfg := DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.MaxWait = time.Second
	cfg.Logger = quietLogger()

	coord, err := NewWithConfig(database, syncer, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Stop() })

	return coord, database, projects
}

func TestNewWithConfig_Validation(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer database.Close()

	_, err = NewWithConfig(nil, newFakeSyncer(), nil)
	assert.Error(t, err)

	_, err = NewWithConfig(database, nil, nil)
	assert.Error(t, err)

	_, err = NewWithConfig(database, newFakeSyncer(), &Config{Debounce: 0})
	assert.Error(t, err)

	_, err = NewWithConfig(database, newFakeSyncer(), &Config{Debounce: time.Second, MaxWait: -1})
	assert.Error(t, err)
}

func TestCoordinator_InitialSyncOnStart(t *testing.T) {
	syncer := newFakeSyncer()
	coord, database, projects := setupCoordinator(t, syncer, "alpha", "beta", "paused")
	require.NoError(t, database.SetProjectActive(context.Background(), projects[2].ID, false))

	require.NoError(t, coord.Start(context.Background()))

	require.Eventually(t, func() bool {
		return syncer.count(projects[0].ID) == 1 && syncer.count(projects[1].ID) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, syncer.count(projects[2].ID), "inactive project must not be synced")
	assert.Len(t, coord.Status(), 2)
}

func TestCoordinator_BurstCoalesces(t *testing.T) {
	syncer := newFakeSyncer()
	coord, _, projects := setupCoordinator(t, syncer, "web")
	id := projects[0].ID

	require.NoError(t, coord.Start(context.Background()))
	require.Eventually(t, func() bool { return syncer.count(id) == 1 }, 3*time.Second, 10*time.Millisecond)
	waitForState(t, coord, id, StateIdle)

	for i := 0; i < 20; i++ {
		require.NoError(t, coord.Trigger(id))
	}

	require.Eventually(t, func() bool { return syncer.count(id) == 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, syncer.count(id), "a burst must produce exactly one run")
}

func TestCoordinator_EventsDuringRunProduceOneFollowUp(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.gate = make(chan struct{})
	coord, _, projects := setupCoordinator(t, syncer, "web")
	id := projects[0].ID

	require.NoError(t, coord.Start(context.Background()))
	waitForState(t, coord, id, StateRunning)

	for i := 0; i < 5; i++ {
		require.NoError(t, coord.Trigger(id))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, syncer.count(id), "no second run while the first is in progress")

	syncer.mu.Lock()
	close(syncer.gate)
	syncer.mu.Unlock()

	require.Eventually(t, func() bool { return syncer.count(id) == 2 }, 3*time.Second, 10*time.Millisecond)
	waitForState(t, coord, id, StateIdle)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 2, syncer.count(id))
	assert.False(t, syncer.overlapped.Load(), "runs of one project overlapped")
}

func TestCoordinator_RunNowDoesNotOverlap(t *testing.T) {
	syncer := newFakeSyncer()
	coord, _, projects := setupCoordinator(t, syncer, "web")
	id := projects[0].ID

	require.NoError(t, coord.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Trigger(id)
			_, err := coord.RunNow(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, syncer.overlapped.Load(), "runs of one project overlapped")

	_, err := coord.RunNow(context.Background(), 999)
	assert.ErrorIs(t, err, schema.ErrProjectNotFound)
}

func TestCoordinator_FileEventTriggersSync(t *testing.T) {
	syncer := newFakeSyncer()
	coord, _, projects := setupCoordinator(t, syncer, "web")
	p := projects[0]

	require.NoError(t, coord.Start(context.Background()))
	require.Eventually(t, func() bool { return syncer.count(p.ID) == 1 }, 3*time.Second, 10*time.Millisecond)
	waitForState(t, coord, p.ID, StateIdle)

	require.NoError(t, os.WriteFile(filepath.Join(p.RootPath, "README.md"), []byte("# web"), 0644))

	require.Eventually(t, func() bool { return syncer.count(p.ID) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestCoordinator_StatusAndHook(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.err = errors.New("disk on fire")

	var hookCalls atomic.Int32
	coord, _, projects := setupCoordinator(t, syncer, "zeta", "alpha")
	coord.config.OnSyncComplete = func(p *schema.Project, r *mirrorsync.SyncResult, err error) {
		if err != nil {
			hookCalls.Add(1)
		}
	}

	require.NoError(t, coord.Start(context.Background()))
	require.Eventually(t, func() bool { return hookCalls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	waitForState(t, coord, projects[0].ID, StateIdle)
	waitForState(t, coord, projects[1].ID, StateIdle)

	status := coord.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "alpha", status[0].Name)
	assert.Equal(t, "zeta", status[1].Name)
	for _, st := range status {
		assert.Equal(t, "idle", st.State)
		assert.NotNil(t, st.LastSyncAt)
		assert.Equal(t, "disk on fire", st.LastError)
	}
}

func TestCoordinator_RemoveProject(t *testing.T) {
	syncer := newFakeSyncer()
	coord, _, projects := setupCoordinator(t, syncer, "web")
	id := projects[0].ID

	require.NoError(t, coord.Start(context.Background()))
	require.Eventually(t, func() bool { return syncer.count(id) == 1 }, 3*time.Second, 10*time.Millisecond)

	coord.RemoveProject(id)

	assert.ErrorIs(t, coord.Trigger(id), schema.ErrProjectNotFound)
	assert.Empty(t, coord.Status())
}

func TestCoordinator_StopIsIdempotent(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.gate = make(chan struct{}) // never released; Stop must cancel it
	coord, _, projects := setupCoordinator(t, syncer, "web")

	require.NoError(t, coord.Start(context.Background()))
	waitForState(t, coord, projects[0].ID, StateRunning)

	require.NoError(t, coord.Stop())
	require.NoError(t, coord.Stop())

	assert.Error(t, coord.AddProject(projects[0]))
}

func TestCoordinator_WithSyncEngine(t *testing.T) {
	tmpDir := t.TempDir()
	database, err := db.Open(filepath.Join(tmpDir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())

	root := filepath.Join(tmpDir, "site")
	require.NoError(t, os.MkdirAll(root, 0755))
	p, err := database.AddProject(context.Background(), "site", root)
	require.NoError(t, err)

	engine := mirrorsync.New(database, mirrorsync.Config{Logger: quietLogger()})
	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	cfg.Logger = quietLogger()
	coord, err := NewWithConfig(database, engine, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Stop() })

	require.NoError(t, coord.Start(context.Background()))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "index.md"), []byte("hello"), 0644))

	require.Eventually(t, func() bool {
		n, err := database.GetByPath(context.Background(), p.ID, "docs/index.md")
		return err == nil && !n.IsDirectory
	}, 5*time.Second, 20*time.Millisecond)

	pending, err := database.PendingCount(context.Background(), &p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

// waitForState polls Status until the project reaches want.
func waitForState(t *testing.T, coord *Coordinator, id int64, want TriggerState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, st := range coord.Status() {
			if st.ProjectID == id {
				return st.State == want.String()
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "project %d never reached %s", id, want)
}
