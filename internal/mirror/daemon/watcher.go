package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was written.
	OpModify
	// OpDelete indicates a file or directory was removed.
	OpDelete
	// OpRename indicates a file or directory was renamed away.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is a filesystem change inside a watched project root.
type FileEvent struct {
	// ProjectID identifies the project whose root contains Path.
	ProjectID int64
	// Path is the absolute path that changed.
	Path string
	// RelativePath is Path relative to the project root, normalized.
	RelativePath string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches project roots recursively.
//
// fsnotify only reports changes for directories it was told about, so every
// accepted directory below a root is watched individually and directories
// created later are added as their create events arrive. Events inside
// directories the filter rejects are dropped.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	filter  atomic.Pointer[filter.Filter]
	logger  *log.Logger

	events chan FileEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	roots   map[int64]string // project id -> absolute root
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher(f *filter.Filter, logger *log.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if f == nil {
		f = filter.Default()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	fw := &FileWatcher{
		watcher: watcher,
		logger:  logger,
		events:  make(chan FileEvent, 256),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		roots:   make(map[int64]string),
	}
	fw.filter.Store(f)
	return fw, nil
}

// SetFilter replaces the filter applied to subsequent events and new watches.
func (fw *FileWatcher) SetFilter(f *filter.Filter) {
	fw.filter.Store(f)
}

// Start begins delivering events.
// Returns an error if the watcher is already running.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// AddRoot watches root and every accepted directory below it on behalf of
// projectID. Returns an error if root itself cannot be watched.
func (fw *FileWatcher) AddRoot(projectID int64, root string) error {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	fw.mu.Lock()
	fw.roots[projectID] = root
	fw.mu.Unlock()

	if err := fw.watcher.Add(root); err != nil {
		fw.mu.Lock()
		delete(fw.roots, projectID)
		fw.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	fw.addTree(root, root)
	return nil
}

// RemoveRoot stops watching a project's root and everything below it.
func (fw *FileWatcher) RemoveRoot(projectID int64) {
	fw.mu.Lock()
	root, ok := fw.roots[projectID]
	delete(fw.roots, projectID)
	fw.mu.Unlock()

	if !ok {
		return
	}

	for _, path := range fw.watcher.WatchList() {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			_ = fw.watcher.Remove(path)
		}
	}
}

// WatchCount returns the number of directories currently watched.
func (fw *FileWatcher) WatchCount() int {
	return len(fw.watcher.WatchList())
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	// Signal shutdown
	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	// Wait for event processing to finish
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// addTree adds watches for dir and its accepted subdirectories.
// Symlinked directories are not followed.
func (fw *FileWatcher) addTree(root, dir string) {
	f := fw.filter.Load()

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		if path != root {
			rel, _ := filepath.Rel(root, path)
			rel = schema.NormalizePath(filepath.ToSlash(rel))
			if !f.AcceptsPath(rel, true) {
				return filepath.SkipDir
			}
		}

		// Adding an already watched path is a no-op.
		if err := fw.watcher.Add(path); err != nil {
			fw.logger.Printf("Warning: failed to add watch for %s: %v", path, err)
		}
		return nil
	})
}

// processEvents is the main event loop that processes fsnotify events
// and converts them to FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent, true) if the event should be processed,
// or (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name, if still under a watched root, arrives as a create.
		op = OpRename
	default:
		// Ignore chmod and other events
		return FileEvent{}, false
	}

	projectID, root, ok := fw.rootFor(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	rel = schema.NormalizePath(filepath.ToSlash(rel))

	isDir := false
	if op == OpCreate {
		if info, err := os.Lstat(event.Name); err == nil {
			isDir = info.IsDir()
		} else if !errors.Is(err, fs.ErrNotExist) {
			fw.logger.Printf("Warning: stat %s: %v", event.Name, err)
		}
	}

	if rel != "" && !fw.accepts(rel, op, isDir) {
		return FileEvent{}, false
	}

	if isDir {
		fw.addTree(root, event.Name)
	}

	return FileEvent{
		ProjectID:    projectID,
		Path:         event.Name,
		RelativePath: rel,
		Op:           op,
	}, true
}

// accepts applies the filter to an event path. A removed or renamed path can
// no longer be stat'ed, so it passes if it would be accepted as either a file
// or a directory.
func (fw *FileWatcher) accepts(rel string, op EventOp, isDir bool) bool {
	f := fw.filter.Load()
	if op == OpCreate {
		return f.AcceptsPath(rel, isDir)
	}
	return f.AcceptsPath(rel, false) || f.AcceptsPath(rel, true)
}

// rootFor finds the project whose root is the longest prefix of path.
func (fw *FileWatcher) rootFor(path string) (int64, string, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var (
		bestID   int64
		bestRoot string
	)
	for id, root := range fw.roots {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(bestRoot) {
			bestID, bestRoot = id, root
		}
	}
	return bestID, bestRoot, bestRoot != ""
}
