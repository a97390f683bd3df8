package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a Config from a YAML (.yaml, .yml) or TOML (.toml) file.
func LoadFile(path string) (Config, error) {
	var cfg Config

	// #nosec G304 - path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read filter file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse filter file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse filter file %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported filter file format: %s", path)
	}

	return cfg, nil
}

// Merge returns the union of base and extra, so a project file can extend
// the global rules without restating them.
func Merge(base, extra Config) Config {
	return Config{
		BlockedFolders:    union(base.BlockedFolders, extra.BlockedFolders),
		BlockedExtensions: union(base.BlockedExtensions, extra.BlockedExtensions),
		AllowedExtensions: union(base.AllowedExtensions, extra.AllowedExtensions),
		BlockedFilenames:  union(base.BlockedFilenames, extra.BlockedFilenames),
		BlockedPatterns:   union(base.BlockedPatterns, extra.BlockedPatterns),
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
