package memstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memstore.yaml")
	const body = `
shard:
  groupsPerShard: 4
  maxChunksSize: 2000
downsample:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cfg.Shard.GroupsPerShard)
	assert.Equal(t, 2000, cfg.Shard.MaxChunkRows)
	assert.True(t, cfg.Downsample.Enabled)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
