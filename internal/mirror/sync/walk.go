package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// observed is one accepted entry seen on disk.
type observed struct {
	RelativePath string
	IsDir        bool
	Size         int64
	ModTime      time.Time
}

// scan is the result of walking a project root.
type scan struct {
	entries map[string]observed
	skipped []string
}

// walkProject walks root, pruning directories the filter rejects.
//
// Symlinks and other non-regular files are not followed or mirrored. An entry
// that cannot be read is logged and recorded in skipped; only a failure on
// root itself is returned, wrapped in schema.ErrRootUnavailable.
func walkProject(ctx context.Context, root string, f *filter.Filter, logger *log.Logger) (*scan, error) {
	// WalkDir does not descend into a symlinked root.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schema.ErrRootUnavailable,
			&schema.FilesystemError{Op: "stat", Err: err})
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %w", schema.ErrRootUnavailable,
			&schema.FilesystemError{Op: "stat", Err: fmt.Errorf("%s is not a directory", root)})
	}

	sc := &scan{entries: make(map[string]observed)}

	skip := func(rel, op string, err error) {
		fsErr := &schema.FilesystemError{Path: rel, Op: op, Err: err}
		logger.Printf("Warning: skipping %v", fsErr)
		sc.skipped = append(sc.skipped, rel)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			if walkErr != nil {
				return fmt.Errorf("%w: %w", schema.ErrRootUnavailable,
					&schema.FilesystemError{Op: "readdir", Err: walkErr})
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		rel = schema.NormalizePath(filepath.ToSlash(rel))

		if walkErr != nil {
			// A directory whose listing failed was already recorded on the
			// first visit; keep it so its stored children are protected.
			if d != nil && d.IsDir() {
				skip(rel, "readdir", walkErr)
				return filepath.SkipDir
			}
			if !errors.Is(walkErr, fs.ErrNotExist) {
				skip(rel, "stat", walkErr)
			}
			return nil
		}

		isDir := d.IsDir()
		if !isDir && !d.Type().IsRegular() {
			// Symlinks, devices, sockets and pipes are opaque.
			return nil
		}

		if !f.Accepts(filter.Entry{Name: d.Name(), RelativePath: rel, IsDir: isDir}) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				skip(rel, "stat", err)
			}
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		obs := observed{RelativePath: rel, IsDir: isDir, ModTime: fi.ModTime().UTC()}
		if !isDir {
			obs.Size = fi.Size()
		}
		sc.entries[rel] = obs
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sc, nil
}
