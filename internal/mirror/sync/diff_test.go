package sync

import (
	"testing"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func storedFile(id int64, path string, size int64) *schema.Node {
	return &schema.Node{
		ID:           id,
		RelativePath: path,
		Name:         schema.BaseName(path),
		SizeInBytes:  &size,
		ModifiedAt:   t0,
	}
}

func storedDir(id int64, path string) *schema.Node {
	return &schema.Node{ID: id, RelativePath: path, Name: schema.BaseName(path), IsDirectory: true, ModifiedAt: t0}
}

func scanOf(skipped []string, entries ...observed) *scan {
	sc := &scan{entries: make(map[string]observed), skipped: skipped}
	for _, e := range entries {
		sc.entries[e.RelativePath] = e
	}
	return sc
}

func TestDiff_Groups(t *testing.T) {
	stored := []*schema.Node{
		storedDir(1, "src"),
		storedFile(2, "src/same.go", 10),
		storedFile(3, "src/grown.go", 10),
		storedFile(4, "src/gone.go", 10),
	}
	sc := scanOf(nil,
		observed{RelativePath: "src", IsDir: true, ModTime: t0.Add(time.Hour)},
		observed{RelativePath: "src/same.go", Size: 10, ModTime: t0},
		observed{RelativePath: "src/grown.go", Size: 11, ModTime: t0},
		observed{RelativePath: "src/new.go", Size: 1, ModTime: t0},
	)

	p := diff(stored, sc)

	if len(p.created) != 1 || p.created[0].RelativePath != "src/new.go" {
		t.Errorf("created = %v, want [src/new.go]", p.created)
	}
	if len(p.removed) != 1 || p.removed[0].ID != 4 {
		t.Errorf("removed = %v, want node 4", p.removed)
	}
	if len(p.updated) != 1 || p.updated[0].node.ID != 3 {
		t.Errorf("updated = %v, want node 3", p.updated)
	}
	if len(p.moves) != 0 || len(p.conflicts) != 0 {
		t.Errorf("unexpected moves %v or conflicts %v", p.moves, p.conflicts)
	}
}

func TestDiff_Ordering(t *testing.T) {
	stored := []*schema.Node{
		storedDir(1, "a"),
		storedDir(2, "a/b"),
		storedFile(3, "a/b/c.txt", 1),
	}
	sc := scanOf(nil,
		observed{RelativePath: "z/y/x.txt", Size: 9, ModTime: t0},
		observed{RelativePath: "z", IsDir: true},
		observed{RelativePath: "z/y", IsDir: true},
	)

	p := diff(stored, sc)

	var removed []string
	for _, n := range p.removed {
		removed = append(removed, n.RelativePath)
	}
	if want := []string{"a/b/c.txt", "a/b", "a"}; !equal(removed, want) {
		t.Errorf("removed order = %v, want %v", removed, want)
	}

	var created []string
	for _, o := range p.created {
		created = append(created, o.RelativePath)
	}
	if want := []string{"z", "z/y", "z/y/x.txt"}; !equal(created, want) {
		t.Errorf("created order = %v, want %v", created, want)
	}
}

func TestDiff_Moves(t *testing.T) {
	stored := []*schema.Node{
		storedFile(1, "old/unique.md", 5),
		storedFile(2, "one/dup.txt", 7),
		storedFile(3, "two/dup.txt", 7),
	}
	sc := scanOf(nil,
		observed{RelativePath: "new/unique.md", Size: 5, ModTime: t0},
		observed{RelativePath: "three/dup.txt", Size: 7, ModTime: t0},
	)

	p := diff(stored, sc)

	if len(p.moves) != 1 || p.moves[0].node.ID != 1 || p.moves[0].to.RelativePath != "new/unique.md" {
		t.Fatalf("moves = %+v, want node 1 -> new/unique.md", p.moves)
	}
	// Two candidates for dup.txt: ambiguous, so delete plus create.
	if len(p.removed) != 2 || len(p.created) != 1 {
		t.Errorf("removed %d created %d, want 2 and 1", len(p.removed), len(p.created))
	}
}

func TestDiff_TypeChangeAndProtection(t *testing.T) {
	stored := []*schema.Node{
		storedDir(1, "x"),
		storedFile(2, "x/inner.txt", 1),
		storedDir(3, "locked"),
		storedFile(4, "locked/secret.txt", 1),
	}
	sc := scanOf([]string{"locked"},
		observed{RelativePath: "x", Size: 3, ModTime: t0},
		observed{RelativePath: "locked", IsDir: true, ModTime: t0},
	)

	p := diff(stored, sc)

	if len(p.conflicts) != 2 || p.conflicts[0].ID != 2 || p.conflicts[1].ID != 1 {
		t.Errorf("conflicts = %v, want inner.txt then x", p.conflicts)
	}
	if len(p.removed) != 0 {
		t.Errorf("removed = %v, want none (locked/ was skipped)", p.removed)
	}
	if len(p.created) != 1 || p.created[0].IsDir {
		t.Errorf("created = %v, want file x", p.created)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
