package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/servicelog"
)

func TestCheckFillsDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.Check())
	assert.Equal(t, 10, c.MaxQueueDepth)
	assert.Equal(t, 1.0, c.AnalyzerWorkersPerCPU)
	assert.Equal(t, []string{"-"}, c.OutputPaths)
}

func TestCheckRejectsNegativeMaxQueueDepth(t *testing.T) {
	c := &Config{MaxQueueDepth: -1}
	assert.Error(t, c.Check())
}

func TestCheckRejectsMissingReplayFile(t *testing.T) {
	c := &Config{EventReplayFile: "/does/not/exist.jsonl"}
	assert.Error(t, c.Check())
}

func TestLoadParsesAndChecks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lowLatency": true, "mirrorMode": true}`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.LowLatency)
	assert.True(t, c.MirrorMode)
	assert.Equal(t, 10, c.MaxQueueDepth)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxQueueDepth": 5}`), 0o644))

	logger, err := servicelog.New(false, "")
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(logger, path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte(`{"maxQueueDepth": 7}`), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 7, c.MaxQueueDepth)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reloaded config after write")
	}
}
