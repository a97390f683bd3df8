// Package schema provides the data structures shared by the mirror packages:
// tree nodes, index queue entries and registered projects.
package schema

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Node is one file or directory in a project's mirrored tree.
//
// Nodes live in a flat table keyed by ID. ParentID is a lookup key into the
// same table, never an owning reference; it is nil only for top-level entries
// whose RelativePath contains no separator.
type Node struct {
	// ===== Identity =====
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	ParentID  *int64 `json:"parent_id,omitempty"`

	// ===== Location =====
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"` // normalized, see NormalizePath
	IsDirectory  bool   `json:"is_directory"`

	// ===== File metadata (files only) =====
	SizeInBytes *int64 `json:"size_in_bytes,omitempty"`
	Extension   string `json:"extension,omitempty"` // lowercase, with leading dot
	ContentHash string `json:"content_hash,omitempty"`

	// ===== Timestamps =====
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"` // on-disk modification time
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}

// Size returns the file size, or 0 for directories and unknown sizes.
func (n *Node) Size() int64 {
	if n.SizeInBytes == nil {
		return 0
	}
	return *n.SizeInBytes
}

// Validate checks the structural invariants of a node.
func (n *Node) Validate() error {
	if n.ProjectID <= 0 {
		return fmt.Errorf("project_id is required")
	}
	if n.RelativePath == "" {
		return fmt.Errorf("relative_path is required")
	}
	if NormalizePath(n.RelativePath) != n.RelativePath {
		return fmt.Errorf("relative_path %q is not normalized", n.RelativePath)
	}
	if n.Name != BaseName(n.RelativePath) {
		return fmt.Errorf("name %q does not match relative_path %q", n.Name, n.RelativePath)
	}
	if n.IsDirectory && n.SizeInBytes != nil {
		return fmt.Errorf("directory %q cannot have a size", n.RelativePath)
	}
	if ParentPath(n.RelativePath) == "" && n.ParentID != nil {
		return fmt.Errorf("top-level node %q cannot have a parent", n.RelativePath)
	}
	return nil
}

// NormalizePath converts a relative path to its stored form: forward slashes,
// no leading or trailing slash, no "." segments and no duplicate separators.
// The empty string and "." both normalize to "", which denotes the project root.
//
// Backslashes are separators only on Windows. Elsewhere they are ordinary
// filename characters and are kept.
func NormalizePath(p string) string {
	if filepath.Separator == '\\' {
		p = strings.ReplaceAll(p, "\\", "/")
	}
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}

// ParentPath returns the normalized parent of p, or "" for top-level entries.
func ParentPath(p string) string {
	p = NormalizePath(p)
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// BaseName returns the final segment of p.
func BaseName(p string) string {
	p = NormalizePath(p)
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Depth returns the number of segments in p ("a" is 1, "a/b" is 2).
func Depth(p string) int {
	p = NormalizePath(p)
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// Segments splits p into its path segments.
func Segments(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsWithin reports whether p equals dir or is a descendant of it.
// Every path is within the root ("").
func IsWithin(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// Extension returns the lowercase extension of name including the leading dot.
// Dotfiles such as ".gitignore" have no extension.
func Extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i:])
}
