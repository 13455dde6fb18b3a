package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caldora.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "local_domains:\n  - example.com\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	s := cfg.Snapshot()
	assert.Equal(t, []string{"example.com"}, s.LocalDomains)
	// Unset fields fall back to defaults
	assert.Equal(t, 10*time.Second, s.Scheduling.LockTimeout)
	assert.Equal(t, 5, s.Scheduling.RefreshBatchSize)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
local_domains:
  - example.com
partition_nodes:
  east.example.com: node-2
scheduling:
  lock_timeout: 2s
  refresh_batch_delay: 250ms
  refresh_batch_size: 3
nats:
  url: nats://broker:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	s := cfg.Snapshot()
	assert.Equal(t, 2*time.Second, s.Scheduling.LockTimeout)
	assert.Equal(t, 250*time.Millisecond, s.Scheduling.RefreshBatchDelay)
	assert.Equal(t, 3, s.Scheduling.RefreshBatchSize)
	assert.Equal(t, "node-2", s.PartitionNodes["east.example.com"])
	assert.Equal(t, "nats://broker:4222", s.NATS.URL)
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	path := writeConfig(t, "local_domains:\n  - example.com\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, cfg.Snapshot().LocalDomains)

	require.NoError(t, os.WriteFile(path, []byte("local_domains:\n  - example.com\n  - example.org\n"), 0o644))
	require.NoError(t, cfg.Refresh())
	assert.Equal(t, []string{"example.com", "example.org"}, cfg.Snapshot().LocalDomains)
}

func TestRefreshKeepsOldSnapshotOnError(t *testing.T) {
	path := writeConfig(t, "local_domains:\n  - example.com\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("scheduling:\n  lock_timeout: -1s\n"), 0o644))
	assert.Error(t, cfg.Refresh())
	assert.Equal(t, []string{"example.com"}, cfg.Snapshot().LocalDomains)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
