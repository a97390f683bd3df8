package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
)

const nodeColumns = `id, project_id, parent_id, name, relative_path, is_directory,
	size_bytes, extension, content_hash, created_at, modified_at, indexed_at`

// FileMeta is the on-disk metadata recorded for a node.
type FileMeta struct {
	Size    int64
	ModTime time.Time
}

// NodeSpec describes one entry for bulk population with ReplaceAll.
type NodeSpec struct {
	RelativePath string
	IsDirectory  bool
	Size         int64
	ModTime      time.Time
}

// GetNode retrieves a node by id.
// Returns schema.ErrNotFound if the node does not exist.
func (o *ops) GetNode(ctx context.Context, id int64) (*schema.Node, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %d: %w", id, err)
	}
	return node, nil
}

// GetByPath retrieves the node at relativePath, which is normalized first.
// Returns schema.ErrNotFound if no node exists at that path.
func (o *ops) GetByPath(ctx context.Context, projectID int64, relativePath string) (*schema.Node, error) {
	relativePath = schema.NormalizePath(relativePath)

	row := o.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE project_id = ? AND relative_path = ?`,
		projectID, relativePath)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %q: %w", relativePath, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %q: %w", relativePath, err)
	}
	return node, nil
}

// GetOrCreate returns the node at relativePath, creating it if needed.
//
// Missing ancestor directories are created first, walking from the top-level
// segment down to the leaf. If the node already exists and meta differs from
// the stored file metadata, size and modification time are updated in place;
// the node id never changes.
//
// It is an error (schema.ErrConsistency) for an existing node on the path to
// have the wrong type, e.g. a file where an ancestor directory is needed.
func (o *ops) GetOrCreate(ctx context.Context, projectID int64, relativePath string, isDirectory bool, meta *FileMeta) (*schema.Node, error) {
	relativePath = schema.NormalizePath(relativePath)
	if relativePath == "" {
		return nil, fmt.Errorf("cannot create a node for the project root")
	}

	var leaf *schema.Node
	err := o.atomic(ctx, func(o *ops) error {
		segs := schema.Segments(relativePath)
		var parentID *int64

		for i := range segs {
			p := strings.Join(segs[:i+1], "/")
			last := i == len(segs)-1
			wantDir := !last || isDirectory

			node, err := o.GetByPath(ctx, projectID, p)
			switch {
			case errors.Is(err, schema.ErrNotFound):
				var m *FileMeta
				if last {
					m = meta
				}
				node, err = o.insertNode(ctx, projectID, parentID, p, wantDir, m)
				if err != nil {
					return err
				}
			case err != nil:
				return err
			case node.IsDirectory != wantDir:
				return fmt.Errorf("node %q is_directory=%v, want %v: %w",
					p, node.IsDirectory, wantDir, schema.ErrConsistency)
			case last && meta != nil && metaChanged(node, meta):
				if err := o.UpdateMetadata(ctx, node, *meta); err != nil {
					return err
				}
			}

			id := node.ID
			parentID = &id
			leaf = node
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leaf, nil
}

// insertNode writes a single node row. The parent must already exist.
func (o *ops) insertNode(ctx context.Context, projectID int64, parentID *int64, relativePath string, isDirectory bool, meta *FileMeta) (*schema.Node, error) {
	now := o.now()
	node := &schema.Node{
		ProjectID:    projectID,
		ParentID:     parentID,
		Name:         schema.BaseName(relativePath),
		RelativePath: relativePath,
		IsDirectory:  isDirectory,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	if meta != nil && !meta.ModTime.IsZero() {
		node.ModifiedAt = meta.ModTime.UTC()
	}
	if !isDirectory {
		size := int64(0)
		if meta != nil {
			size = meta.Size
		}
		node.SizeInBytes = &size
		node.Extension = schema.Extension(node.Name)
	}

	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node: %w", err)
	}

	res, err := o.q.ExecContext(ctx, `
	INSERT INTO nodes (
		project_id, parent_id, name, relative_path, is_directory,
		size_bytes, extension, created_at, modified_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ProjectID,
		nullInt64(node.ParentID),
		node.Name,
		node.RelativePath,
		boolToInt(node.IsDirectory),
		nullInt64(node.SizeInBytes),
		nullString(node.Extension),
		formatTime(node.CreatedAt),
		formatTime(node.ModifiedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert node %q: %w", relativePath, err)
	}

	node.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read node id: %w", err)
	}
	return node, nil
}

// UpdateMetadata rewrites size and modification time in place.
func (o *ops) UpdateMetadata(ctx context.Context, node *schema.Node, meta FileMeta) error {
	var size sql.NullInt64
	if !node.IsDirectory {
		size = sql.NullInt64{Int64: meta.Size, Valid: true}
	}

	res, err := o.q.ExecContext(ctx,
		`UPDATE nodes SET size_bytes = ?, modified_at = ? WHERE id = ?`,
		size, formatTime(meta.ModTime), node.ID)
	if err != nil {
		return fmt.Errorf("failed to update node %q: %w", node.RelativePath, err)
	}
	if err := expectOneRow(res, "update node", node.ID); err != nil {
		return err
	}

	if size.Valid {
		s := meta.Size
		node.SizeInBytes = &s
	}
	node.ModifiedAt = meta.ModTime.UTC()
	return nil
}

// Move rewrites a node's path, name, parent and extension while keeping its id.
// The new parent directory is created if it does not exist yet.
func (o *ops) Move(ctx context.Context, node *schema.Node, newPath string) error {
	newPath = schema.NormalizePath(newPath)
	if newPath == "" {
		return fmt.Errorf("cannot move %q to the project root", node.RelativePath)
	}

	return o.atomic(ctx, func(o *ops) error {
		var parentID *int64
		if pp := schema.ParentPath(newPath); pp != "" {
			parent, err := o.GetOrCreate(ctx, node.ProjectID, pp, true, nil)
			if err != nil {
				return err
			}
			parentID = &parent.ID
		}

		name := schema.BaseName(newPath)
		ext := ""
		if !node.IsDirectory {
			ext = schema.Extension(name)
		}

		res, err := o.q.ExecContext(ctx, `
		UPDATE nodes SET relative_path = ?, name = ?, parent_id = ?, extension = ?
		WHERE id = ?`,
			newPath, name, nullInt64(parentID), nullString(ext), node.ID)
		if err != nil {
			return fmt.Errorf("failed to move node %q to %q: %w", node.RelativePath, newPath, err)
		}
		if err := expectOneRow(res, "move node", node.ID); err != nil {
			return err
		}

		node.RelativePath = newPath
		node.Name = name
		node.ParentID = parentID
		node.Extension = ext
		return nil
	})
}

// ListChildren returns the children of parentID (nil for top-level entries),
// directories first, then by name.
func (o *ops) ListChildren(ctx context.Context, projectID int64, parentID *int64) ([]*schema.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE project_id = ? AND `
	args := []any{projectID}
	if parentID == nil {
		query += `parent_id IS NULL`
	} else {
		query += `parent_id = ?`
		args = append(args, *parentID)
	}
	query += ` ORDER BY is_directory DESC, name ASC`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// ListNodes returns every node of a project ordered by relative path.
func (o *ops) ListNodes(ctx context.Context, projectID int64) ([]*schema.Node, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE project_id = ? ORDER BY relative_path`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// CountNodes returns the number of file and directory nodes in a project.
func (o *ops) CountNodes(ctx context.Context, projectID int64) (files, dirs int, err error) {
	err = o.q.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN is_directory = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_directory = 1 THEN 1 ELSE 0 END), 0)
	FROM nodes WHERE project_id = ?`, projectID).Scan(&files, &dirs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return files, dirs, nil
}

// Delete removes a single node and the queue entries that reference it.
//
// Descendants are not touched: deleting a directory that still has children
// fails on the parent foreign key. Callers remove children first (see DeleteTree).
// Returns schema.ErrConsistency if the node no longer exists.
func (o *ops) Delete(ctx context.Context, node *schema.Node) error {
	return o.atomic(ctx, func(o *ops) error {
		if _, err := o.q.ExecContext(ctx, `DELETE FROM queue_entries WHERE node_id = ?`, node.ID); err != nil {
			return fmt.Errorf("failed to delete queue entries for node %q: %w", node.RelativePath, err)
		}

		res, err := o.q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ? AND project_id = ?`, node.ID, node.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to delete node %q: %w", node.RelativePath, err)
		}
		return expectOneRow(res, "delete node", node.ID)
	})
}

// DeleteTree removes node and all of its descendants, deepest first, along
// with every queue entry that references them. Returns the number of nodes removed.
func (o *ops) DeleteTree(ctx context.Context, node *schema.Node) (int, error) {
	var removed int
	err := o.atomic(ctx, func(o *ops) error {
		descendants, err := o.listSubtree(ctx, node.ProjectID, node.RelativePath)
		if err != nil {
			return err
		}
		SortDeepestFirst(descendants)

		for _, d := range descendants {
			if err := o.Delete(ctx, d); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// listSubtree returns the node at relativePath and everything below it.
// Descendants are the paths in ["dir/", "dir0"), since '0' follows '/' in
// byte order.
func (o *ops) listSubtree(ctx context.Context, projectID int64, relativePath string) ([]*schema.Node, error) {
	rows, err := o.q.QueryContext(ctx, `
	SELECT `+nodeColumns+` FROM nodes
	WHERE project_id = ? AND (relative_path = ? OR (relative_path >= ? AND relative_path < ?))`,
		projectID, relativePath, relativePath+"/", relativePath+"0")
	if err != nil {
		return nil, fmt.Errorf("failed to list subtree %q: %w", relativePath, err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// ReplaceAll discards a project's mirror and queue entries and bulk-inserts
// specs in their place. Ancestors missing from specs are synthesized as
// directories. Returns the inserted nodes keyed by relative path.
//
// This is the initial-population path; it avoids the per-node lookups of
// GetOrCreate by resolving parents from an in-memory path index.
func (o *ops) ReplaceAll(ctx context.Context, projectID int64, specs []NodeSpec) (map[string]*schema.Node, error) {
	byPath := make(map[string]NodeSpec, len(specs))
	for _, s := range specs {
		s.RelativePath = schema.NormalizePath(s.RelativePath)
		if s.RelativePath == "" {
			continue
		}
		byPath[s.RelativePath] = s
		for p := schema.ParentPath(s.RelativePath); p != ""; p = schema.ParentPath(p) {
			if _, ok := byPath[p]; ok {
				break
			}
			byPath[p] = NodeSpec{RelativePath: p, IsDirectory: true}
		}
	}

	ordered := make([]NodeSpec, 0, len(byPath))
	for _, s := range byPath {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := schema.Depth(ordered[i].RelativePath), schema.Depth(ordered[j].RelativePath)
		if di != dj {
			return di < dj
		}
		return ordered[i].RelativePath < ordered[j].RelativePath
	})

	inserted := make(map[string]*schema.Node, len(ordered))
	err := o.atomic(ctx, func(o *ops) error {
		if _, err := o.q.ExecContext(ctx, `DELETE FROM queue_entries WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to clear queue entries: %w", err)
		}
		if _, err := o.q.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to clear nodes: %w", err)
		}

		for _, s := range ordered {
			var parentID *int64
			if pp := schema.ParentPath(s.RelativePath); pp != "" {
				parent, ok := inserted[pp]
				if !ok || !parent.IsDirectory {
					return fmt.Errorf("parent of %q is not a directory: %w", s.RelativePath, schema.ErrConsistency)
				}
				parentID = &parent.ID
			}

			var meta *FileMeta
			if !s.IsDirectory || !s.ModTime.IsZero() {
				meta = &FileMeta{Size: s.Size, ModTime: s.ModTime}
			}
			node, err := o.insertNode(ctx, projectID, parentID, s.RelativePath, s.IsDirectory, meta)
			if err != nil {
				return err
			}
			inserted[s.RelativePath] = node
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// RecordIndexed stamps a node with the time and content hash of its last
// successful extraction.
func (o *ops) RecordIndexed(ctx context.Context, nodeID int64, contentHash string, at time.Time) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE nodes SET indexed_at = ?, content_hash = ? WHERE id = ?`,
		formatTime(at), nullString(contentHash), nodeID)
	if err != nil {
		return fmt.Errorf("failed to record indexing for node %d: %w", nodeID, err)
	}
	return expectOneRow(res, "record indexed", nodeID)
}

// SortDeepestFirst orders nodes so that every descendant precedes its ancestors.
func SortDeepestFirst(nodes []*schema.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		di, dj := schema.Depth(nodes[i].RelativePath), schema.Depth(nodes[j].RelativePath)
		if di != dj {
			return di > dj
		}
		return nodes[i].RelativePath < nodes[j].RelativePath
	})
}

// metaChanged reports whether meta differs from the node's stored file metadata.
// Directory metadata is never compared.
func metaChanged(node *schema.Node, meta *FileMeta) bool {
	if node.IsDirectory {
		return false
	}
	if node.Size() != meta.Size {
		return true
	}
	return !meta.ModTime.IsZero() && !node.ModifiedAt.Equal(meta.ModTime)
}

func expectOneRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %d affected %d rows: %w", op, id, n, schema.ErrConsistency)
	}
	return nil
}

// scanNode reads one node row in nodeColumns order.
func scanNode(row scanner) (*schema.Node, error) {
	var (
		node                  schema.Node
		parentID, size        sql.NullInt64
		ext, hash, indexedAt  sql.NullString
		isDir                 int
		createdAt, modifiedAt string
	)

	err := row.Scan(
		&node.ID,
		&node.ProjectID,
		&parentID,
		&node.Name,
		&node.RelativePath,
		&isDir,
		&size,
		&ext,
		&hash,
		&createdAt,
		&modifiedAt,
		&indexedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		id := parentID.Int64
		node.ParentID = &id
	}
	if size.Valid {
		s := size.Int64
		node.SizeInBytes = &s
	}
	node.IsDirectory = isDir != 0
	node.Extension = ext.String
	node.ContentHash = hash.String
	node.CreatedAt = parseTime(createdAt)
	node.ModifiedAt = parseTime(modifiedAt)
	node.IndexedAt = nullStringToTime(indexedAt)

	return &node, nil
}

// scanNodes is a helper function to scan multiple nodes from query results.
func scanNodes(rows *sql.Rows) ([]*schema.Node, error) {
	var nodes []*schema.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
