// Package filter decides which filesystem entries participate in mirroring.
//
// A Filter is compiled once from a Config and is then immutable, so it can be
// shared by the walker and the watcher for the duration of a sync run. Reloading
// configuration means compiling a new Filter.
package filter

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/treesync/treesync/internal/mirror/schema"
)

// Config lists the block/allow rules. All name and extension comparisons are
// case-insensitive. Extensions may be written with or without the leading dot.
type Config struct {
	// BlockedFolders are directory names (not paths) whose whole subtree is skipped.
	BlockedFolders []string `yaml:"blocked_folders" toml:"blocked_folders" mapstructure:"blocked_folders"`

	// BlockedExtensions reject files by extension.
	BlockedExtensions []string `yaml:"blocked_extensions" toml:"blocked_extensions" mapstructure:"blocked_extensions"`

	// AllowedExtensions, when non-empty, rejects every file whose extension is not listed.
	AllowedExtensions []string `yaml:"allowed_extensions" toml:"allowed_extensions" mapstructure:"allowed_extensions"`

	// BlockedFilenames reject files by exact name.
	BlockedFilenames []string `yaml:"blocked_filenames" toml:"blocked_filenames" mapstructure:"blocked_filenames"`

	// BlockedPatterns are doublestar globs matched against the normalized
	// relative path of files and directories (e.g. "docs/generated/**").
	BlockedPatterns []string `yaml:"blocked_patterns" toml:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// DefaultConfig returns the rules used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BlockedFolders: []string{
			".git", ".hg", ".svn", ".jj", ".idea", ".vs", ".vscode",
			"node_modules", "bin", "obj", "dist", "build", "target",
			"__pycache__", ".venv", ".cache",
		},
		BlockedExtensions: []string{
			".exe", ".dll", ".so", ".dylib", ".pdb", ".o", ".a", ".class",
			".png", ".jpg", ".jpeg", ".gif", ".ico", ".pdf",
			".zip", ".tar", ".gz", ".7z", ".db", ".sqlite",
		},
		BlockedFilenames: []string{
			".DS_Store", "Thumbs.db", "package-lock.json", "yarn.lock",
		},
	}
}

// Entry is the view of a filesystem entry that a Filter judges.
type Entry struct {
	Name         string // final path segment
	RelativePath string // normalized, see schema.NormalizePath
	IsDir        bool
}

// Filter is a compiled, immutable set of rules.
type Filter struct {
	blockedFolders    map[string]struct{}
	blockedExtensions map[string]struct{}
	allowedExtensions map[string]struct{}
	blockedFilenames  map[string]struct{}
	patterns          []string
}

// New compiles cfg into a Filter.
// Returns an error if a blocked pattern is not a valid glob.
func New(cfg Config) (*Filter, error) {
	f := &Filter{
		blockedFolders:    toSet(cfg.BlockedFolders, strings.ToLower),
		blockedExtensions: toSet(cfg.BlockedExtensions, normalizeExt),
		allowedExtensions: toSet(cfg.AllowedExtensions, normalizeExt),
		blockedFilenames:  toSet(cfg.BlockedFilenames, strings.ToLower),
	}

	for _, p := range cfg.BlockedPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid blocked pattern %q", p)
		}
		f.patterns = append(f.patterns, p)
	}

	return f, nil
}

// MustNew is like New but panics on an invalid pattern. Intended for tests and
// for DefaultConfig, which is known to be valid.
func MustNew(cfg Config) *Filter {
	f, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// Default returns a Filter compiled from DefaultConfig.
func Default() *Filter {
	return MustNew(DefaultConfig())
}

// Accepts reports whether e participates in mirroring.
//
// A rejected directory must not be descended into: nothing beneath it is
// mirrored or indexed.
func (f *Filter) Accepts(e Entry) bool {
	name := strings.ToLower(e.Name)

	if e.IsDir {
		if _, blocked := f.blockedFolders[name]; blocked {
			return false
		}
		return !f.matchesPattern(e.RelativePath)
	}

	if _, blocked := f.blockedFilenames[name]; blocked {
		return false
	}

	ext := schema.Extension(e.Name)
	if _, blocked := f.blockedExtensions[ext]; blocked {
		return false
	}
	if len(f.allowedExtensions) > 0 {
		if _, allowed := f.allowedExtensions[ext]; !allowed {
			return false
		}
	}

	return !f.matchesPattern(e.RelativePath)
}

// AcceptsPath reports whether relPath and every directory above it are accepted.
// The watcher uses this to drop events from inside pruned subtrees, which the
// walker never reaches.
func (f *Filter) AcceptsPath(relPath string, isDir bool) bool {
	segs := schema.Segments(relPath)
	for i := range segs {
		last := i == len(segs)-1
		e := Entry{
			Name:         segs[i],
			RelativePath: strings.Join(segs[:i+1], "/"),
			IsDir:        !last || isDir,
		}
		if !f.Accepts(e) {
			return false
		}
	}
	return true
}

func (f *Filter) matchesPattern(relPath string) bool {
	if relPath == "" {
		return false
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[norm(v)] = struct{}{}
	}
	return set
}
