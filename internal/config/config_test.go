package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/mirror/filter"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 10*time.Second, cfg.Watch.MaxWait)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, DefaultDatabasePath(), cfg.Database.Path)
	assert.Contains(t, cfg.Filter.BlockedFolders, ".git")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "treesync.yaml", `
database:
  path: /var/lib/treesync/mirror.db
watch:
  debounce: 2s
  max_wait: 1m
worker:
  concurrency: 8
filter:
  blocked_folders: [vendor]
  blocked_patterns: ["docs/generated/**"]
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/treesync/mirror.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, time.Minute, cfg.Watch.MaxWait)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 32, cfg.Worker.BatchSize, "unset keys keep defaults")
	assert.Equal(t, []string{"vendor"}, cfg.Filter.BlockedFolders)
	assert.Equal(t, []string{"docs/generated/**"}, cfg.Filter.BlockedPatterns)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeConfig(t, "treesync.toml", `
[queue]
retention = "72h"
max_attempts = 5
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "treesync.yaml", "watch:\n  debounce: 2s\n")
	t.Setenv("TREESYNC_WATCH_DEBOUNCE", "750ms")
	t.Setenv("TREESYNC_DASHBOARD_PORT", "9999")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 9999, cfg.Dashboard.Port)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TREESYNC_DATABASE_PATH", "/from/env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	require.NoError(t, flags.Parse([]string{"--db", "/from/flag.db"}))

	v := New()
	require.NoError(t, BindFlags(v, flags))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "/from/flag.db", cfg.Database.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicitly named file must exist")

	path := writeConfig(t, "treesync.yaml", "watch:\n  debounce: 0s\nworker:\n  batch_size: 0\n")
	_, err = Load(New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.debounce")
	assert.Contains(t, err.Error(), "worker.batch_size")
}

func TestBuildFilter_MergesFile(t *testing.T) {
	filterFile := writeConfig(t, "filter.yaml", "blocked_extensions: [.log]\n")

	cfg := &Config{Filter: FilterConfig{
		Config: filter.Config{BlockedFolders: []string{".git"}},
		File:   filterFile,
	}}

	f, err := cfg.BuildFilter()
	require.NoError(t, err)
	assert.False(t, f.AcceptsPath(".git", true))
	assert.False(t, f.AcceptsPath("debug.log", false))
	assert.True(t, f.AcceptsPath("main.go", false))

	cfg.Filter.File = filepath.Join(t.TempDir(), "nope.yaml")
	_, err = cfg.BuildFilter()
	assert.Error(t, err)
}
