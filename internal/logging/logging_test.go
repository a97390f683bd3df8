package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/config"
)

func TestLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	logs, err := newLogs(config.LogConfig{}, &buf)
	require.NoError(t, err)
	defer logs.Close()

	logs.Logger(Sync).Printf("Synced %d files", 3)
	logs.Logger(Watch).Println("Watching")

	out := buf.String()
	assert.Contains(t, out, "[sync] ")
	assert.Contains(t, out, "Synced 3 files")
	assert.Contains(t, out, "[watch] ")
	assert.Same(t, logs.Logger(Sync), logs.Logger(Sync))
}

func TestLogger_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "treesync.log")

	logs, err := newLogs(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, &buf)
	require.NoError(t, err)

	logs.Logger(Worker).Println("indexed a.txt")
	require.NoError(t, logs.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, out := range []string{string(data), buf.String()} {
		assert.Contains(t, out, "[worker] ")
		assert.Contains(t, out, "indexed a.txt")
	}
}
