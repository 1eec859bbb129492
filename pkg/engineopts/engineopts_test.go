package engineopts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "path: /var/lib/hsekv\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hsekv", cfg.Path)
	assert.Equal(t, 8<<20, cfg.VMAX)
	assert.EqualValues(t, 16<<20, cfg.Oplog.MinBytesPerBlock)
	assert.Equal(t, 100, cfg.Oplog.MaxBlocksToKeep)
	assert.Equal(t, "none", cfg.Compression.Default)
	assert.Equal(t, []string{"none"}, cfg.Compression.Allowed)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
path: /data/hsekv
durable: true
vmax: 2097152
compression:
  allowed: [none, snappy]
  default: snappy
oplog:
  minBytesPerBlock: 1048576
  maxBlocksToKeep: 50
defaultCap:
  maxSize: 1000000
  maxRecords: 5000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Durable)
	assert.Equal(t, 2097152, cfg.VMAX)
	assert.Equal(t, "snappy", cfg.Compression.Default)
	assert.Equal(t, []string{"none", "snappy"}, cfg.Compression.Allowed)
	assert.EqualValues(t, 50, cfg.Oplog.MaxBlocksToKeep)
	assert.EqualValues(t, 5000, cfg.DefaultCap.MaxRecords)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "path: [this is not a string\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresPath(t *testing.T) {
	cfg := &EngineConfig{}
	cfg.applyDefaults()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "path is required")
}

func TestValidateRejectsOutOfRangeVMAX(t *testing.T) {
	path := writeConfig(t, "path: /x\nvmax: 1\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "vmax")
}

func TestValidateRejectsMaxBlocksToKeepBelowMinimum(t *testing.T) {
	path := writeConfig(t, "path: /x\noplog:\n  maxBlocksToKeep: 3\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "maxBlocksToKeep")
}

func TestValidateRejectsNegativeCapFields(t *testing.T) {
	path := writeConfig(t, "path: /x\ndefaultCap:\n  maxRecords: -1\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "non-negative")
}

func TestValidateRejectsDefaultCompressionNotInAllowedList(t *testing.T) {
	path := writeConfig(t, "path: /x\ncompression:\n  allowed: [none]\n  default: zstd\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "not in compression.allowed")
}
