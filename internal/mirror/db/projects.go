package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
)

const projectColumns = `id, name, root_path, active, created_at, last_synced_at`

// AddProject registers a new project root. The root is cleaned and must be absolute.
// Returns schema.ErrProjectExists if the name is taken.
func (o *ops) AddProject(ctx context.Context, name, rootPath string) (*schema.Project, error) {
	p := &schema.Project{
		Name:      strings.TrimSpace(name),
		RootPath:  filepath.Clean(rootPath),
		Active:    true,
		CreatedAt: o.now(),
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}

	var exists int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE name = ?`, p.Name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check project %q: %w", p.Name, err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("project %q: %w", p.Name, schema.ErrProjectExists)
	}

	res, err := o.q.ExecContext(ctx,
		`INSERT INTO projects (name, root_path, active, created_at) VALUES (?, ?, 1, ?)`,
		p.Name, p.RootPath, formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to add project %q: %w", p.Name, err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by id.
// Returns schema.ErrProjectNotFound if it does not exist.
func (o *ops) GetProject(ctx context.Context, id int64) (*schema.Project, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, schema.ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}
	return p, nil
}

// GetProjectByName retrieves a project by its unique name.
func (o *ops) GetProjectByName(ctx context.Context, name string) (*schema.Project, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, schema.ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %q: %w", name, err)
	}
	return p, nil
}

// ListProjects returns registered projects ordered by name.
func (o *ops) ListProjects(ctx context.Context, activeOnly bool) ([]*schema.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := o.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*schema.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// RemoveProject deletes a project together with its mirror and queue entries.
func (o *ops) RemoveProject(ctx context.Context, id int64) error {
	return o.atomic(ctx, func(o *ops) error {
		// Nodes reference their parents without cascading, so clear the
		// project's rows explicitly before dropping the project itself.
		if _, err := o.q.ExecContext(ctx, `DELETE FROM queue_entries WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete queue entries: %w", err)
		}
		if _, err := o.q.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete nodes: %w", err)
		}

		res, err := o.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete project %d: %w", id, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("project %d: %w", id, schema.ErrProjectNotFound)
		}
		return nil
	})
}

// SetProjectActive toggles whether the daemon watches a project.
func (o *ops) SetProjectActive(ctx context.Context, id int64, active bool) error {
	res, err := o.q.ExecContext(ctx, `UPDATE projects SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %d: %w", id, schema.ErrProjectNotFound)
	}
	return nil
}

// TouchProjectSynced records the completion time of a successful sync.
func (o *ops) TouchProjectSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := o.q.ExecContext(ctx, `UPDATE projects SET last_synced_at = ? WHERE id = ?`, timeToNullString(&at), id)
	if err != nil {
		return fmt.Errorf("failed to update last sync for project %d: %w", id, err)
	}
	return nil
}

func scanProject(row scanner) (*schema.Project, error) {
	var (
		p         schema.Project
		active    int
		createdAt string
		lastSync  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &active, &createdAt, &lastSync); err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.CreatedAt = parseTime(createdAt)
	p.LastSyncedAt = nullStringToTime(lastSync)
	return &p, nil
}
