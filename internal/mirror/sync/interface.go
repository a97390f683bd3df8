package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
)

// Syncer brings a project's mirror in line with the filesystem.
//
// A sync walks the project root, diffs what it saw against the stored nodes
// and applies the minimal set of creates, moves, updates and deletes in one
// transaction. Files that are created or whose size/modification time
// changed are enqueued for indexing.
//
// A sync is resilient: an entry that cannot be read is logged, reported in
// SyncResult.Skipped and left untouched in the mirror. Only an unreachable
// project root fails the run (schema.ErrRootUnavailable), in which case the
// mirror is not modified.
//
// Implementations serialize runs for the same project; runs for different
// projects may proceed concurrently.
type Syncer interface {
	// Sync performs a full reconciliation for project.
	//
	// Example:
	//   result, err := syncer.Sync(ctx, project)
	Sync(ctx context.Context, project *schema.Project) (*SyncResult, error)
}

// SyncResult tallies the changes applied by one sync run.
type SyncResult struct {
	FilesAdded         int           `json:"files_added"`
	FilesUpdated       int           `json:"files_updated"`
	FilesDeleted       int           `json:"files_deleted"`
	FilesMoved         int           `json:"files_moved"`
	DirectoriesAdded   int           `json:"directories_added"`
	DirectoriesDeleted int           `json:"directories_deleted"`
	Duration           time.Duration `json:"duration"`

	// Skipped lists relative paths that could not be read during the walk.
	// Their stored nodes, and everything below them, were left as they were.
	Skipped []string `json:"skipped,omitempty"`
}

// Changed reports whether the run modified the mirror.
func (r *SyncResult) Changed() bool {
	return r.FilesAdded+r.FilesUpdated+r.FilesDeleted+r.FilesMoved+
		r.DirectoriesAdded+r.DirectoriesDeleted > 0
}

// String returns a one-line summary suitable for logs.
func (r *SyncResult) String() string {
	s := fmt.Sprintf("files +%d ~%d -%d >%d, dirs +%d -%d in %v",
		r.FilesAdded, r.FilesUpdated, r.FilesDeleted, r.FilesMoved,
		r.DirectoriesAdded, r.DirectoriesDeleted, r.Duration.Round(time.Millisecond))
	if len(r.Skipped) > 0 {
		s += fmt.Sprintf(" (%d skipped)", len(r.Skipped))
	}
	return s
}
