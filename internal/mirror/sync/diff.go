package sync

import (
	"fmt"
	"sort"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// move rewrites a stored file node to a newly observed path.
type move struct {
	node *schema.Node
	to   observed
}

// update refreshes a stored file's size and modification time.
type update struct {
	node *schema.Node
	obs  observed
}

// plan is the set of changes that turns the stored mirror into the scan.
// Slices are ordered the way they must be applied.
type plan struct {
	// conflicts are stored nodes at paths whose type changed on disk, plus
	// their stored descendants, deepest first. They are deleted before
	// anything is created so the fresh node can take the path.
	conflicts []*schema.Node
	// conflictRoots are the type-changed nodes themselves, without their
	// descendants.
	conflictRoots []*schema.Node

	created []observed     // shallowest first
	moves   []move         // by target path
	removed []*schema.Node // deepest first
	updated []update       // by path
}

// diff compares stored nodes against a scan.
//
// Stored nodes at or below a skipped path are never removed: the walk could
// not tell whether they still exist.
func diff(stored []*schema.Node, sc *scan) *plan {
	p := &plan{}

	storedByPath := make(map[string]*schema.Node, len(stored))
	for _, n := range stored {
		storedByPath[n.RelativePath] = n
	}

	var typeChanged []string
	for _, n := range stored {
		obs, ok := sc.entries[n.RelativePath]
		switch {
		case ok && obs.IsDir == n.IsDirectory:
			if !n.IsDirectory && fileChanged(n, obs) {
				p.updated = append(p.updated, update{node: n, obs: obs})
			}
		case ok:
			typeChanged = append(typeChanged, n.RelativePath)
			p.conflicts = append(p.conflicts, n)
			p.conflictRoots = append(p.conflictRoots, n)
		case !isProtected(n.RelativePath, sc.skipped):
			p.removed = append(p.removed, n)
		}
	}

	// Stored descendants of a type-changed path go with it.
	if len(typeChanged) > 0 {
		kept := p.removed[:0]
		for _, n := range p.removed {
			if isProtected(n.RelativePath, typeChanged) {
				p.conflicts = append(p.conflicts, n)
			} else {
				kept = append(kept, n)
			}
		}
		p.removed = kept
	}

	for rel, obs := range sc.entries {
		n, ok := storedByPath[rel]
		if !ok || n.IsDirectory != obs.IsDir {
			p.created = append(p.created, obs)
		}
	}

	p.detectMoves(typeChanged)

	db.SortDeepestFirst(p.conflicts)
	db.SortDeepestFirst(p.removed)
	sort.Slice(p.created, func(i, j int) bool {
		di, dj := schema.Depth(p.created[i].RelativePath), schema.Depth(p.created[j].RelativePath)
		if di != dj {
			return di < dj
		}
		return p.created[i].RelativePath < p.created[j].RelativePath
	})
	sort.Slice(p.moves, func(i, j int) bool {
		return p.moves[i].to.RelativePath < p.moves[j].to.RelativePath
	})
	sort.Slice(p.updated, func(i, j int) bool {
		return p.updated[i].node.RelativePath < p.updated[j].node.RelativePath
	})

	return p
}

// detectMoves pairs removed and created files that share basename, size and
// modification time. Only pairs that are unique on both sides are moves;
// anything ambiguous stays a delete plus a create.
func (p *plan) detectMoves(typeChanged []string) {
	if len(p.removed) == 0 || len(p.created) == 0 {
		return
	}

	gone := make(map[string][]int)
	for i, n := range p.removed {
		if n.IsDirectory {
			continue
		}
		k := moveKey(n.Name, n.Size(), n.ModifiedAt.UnixNano())
		gone[k] = append(gone[k], i)
	}
	if len(gone) == 0 {
		return
	}

	appeared := make(map[string][]int)
	for i, obs := range p.created {
		if obs.IsDir || isProtected(obs.RelativePath, typeChanged) {
			continue
		}
		k := moveKey(schema.BaseName(obs.RelativePath), obs.Size, obs.ModTime.UnixNano())
		appeared[k] = append(appeared[k], i)
	}

	movedFrom := make(map[int]bool)
	movedTo := make(map[int]bool)
	for k, from := range gone {
		to := appeared[k]
		if len(from) != 1 || len(to) != 1 {
			continue
		}
		p.moves = append(p.moves, move{node: p.removed[from[0]], to: p.created[to[0]]})
		movedFrom[from[0]] = true
		movedTo[to[0]] = true
	}
	if len(p.moves) == 0 {
		return
	}

	removed := p.removed[:0]
	for i, n := range p.removed {
		if !movedFrom[i] {
			removed = append(removed, n)
		}
	}
	p.removed = removed

	created := p.created[:0]
	for i, obs := range p.created {
		if !movedTo[i] {
			created = append(created, obs)
		}
	}
	p.created = created
}

func moveKey(name string, size, mtime int64) string {
	return fmt.Sprintf("%s\x00%d\x00%d", name, size, mtime)
}

// fileChanged reports whether a stored file's metadata differs from disk.
func fileChanged(n *schema.Node, obs observed) bool {
	return n.Size() != obs.Size || !n.ModifiedAt.Equal(obs.ModTime)
}

// isProtected reports whether path is at or below any of roots.
func isProtected(path string, roots []string) bool {
	for _, r := range roots {
		if schema.IsWithin(path, r) {
			return true
		}
	}
	return false
}
