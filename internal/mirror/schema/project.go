package schema

import (
	"fmt"
	"path/filepath"
	"time"
)

// Project is a registered directory tree that the mirror tracks.
type Project struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RootPath     string     `json:"root_path"` // absolute, cleaned
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Validate checks if the Project has valid field values.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.RootPath == "" {
		return fmt.Errorf("root_path is required")
	}
	if !filepath.IsAbs(p.RootPath) {
		return fmt.Errorf("root_path %q must be absolute", p.RootPath)
	}
	return nil
}

// AbsPath joins a normalized relative path onto the project root.
func (p *Project) AbsPath(relativePath string) string {
	return filepath.Join(p.RootPath, filepath.FromSlash(relativePath))
}
