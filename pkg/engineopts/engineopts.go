// Package engineopts loads the engine-wide tunables an operator would
// otherwise have to pass as flags to every record store, oplog, and
// index: VMAX, oplog block sizing, default cap thresholds, and the
// compression algorithms a deployment permits. Loading a YAML manifest
// into a typed struct and validating it up front mirrors how the
// teacher's CLI turns a YAML resource file into a typed request before
// ever touching the manager (cmd/warren/apply.go's WarrenResource).
package engineopts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the root of an engine's YAML manifest.
type EngineConfig struct {
	// Path is the directory the backend opens its bbolt file under.
	Path string `yaml:"path"`

	// Durable mirrors kvengine.EngineOptions.Durable: whether the
	// durability manager's Sync and WaitUntilDurable do any work; when
	// false both are no-ops.
	Durable bool `yaml:"durable"`

	// VMAX is the default per-value chunking threshold, applied to any
	// record store or oplog that doesn't override it.
	VMAX int `yaml:"vmax"`

	// Compression names the allowed compression algorithms for this
	// deployment; the codecs themselves are supplied by the host (spec
	// Non-goals), this only constrains which names a record store or
	// oplog may be configured with.
	Compression CompressionConfig `yaml:"compression"`

	// Oplog carries the default block-sizing knobs for any oplog store
	// that doesn't override them.
	Oplog OplogConfig `yaml:"oplog"`

	// DefaultCap carries the default size/record caps applied to a
	// capped record store created without explicit overrides.
	DefaultCap CapConfig `yaml:"defaultCap"`
}

// CompressionConfig names which compression algorithms this deployment
// permits, and which one new stores default to.
type CompressionConfig struct {
	Allowed []string `yaml:"allowed"`
	Default string   `yaml:"default"`
}

// OplogConfig mirrors kvengine.OplogBlockOptions.
type OplogConfig struct {
	MinBytesPerBlock int64 `yaml:"minBytesPerBlock"`
	MaxBlocksToKeep  int   `yaml:"maxBlocksToKeep"`
}

// CapConfig mirrors the cap fields of kvengine.CappedOptions.
type CapConfig struct {
	MaxSize    int64 `yaml:"maxSize"`
	MaxRecords int64 `yaml:"maxRecords"`
}

// minVMAX/maxVMAX bound a configured VMAX to values the chunking
// scheme can actually use: below minVMAX the 4-byte length header
// alone can exceed the threshold, above maxVMAX a single chunk key's
// value stops being "small" by any reasonable definition.
const (
	minVMAX = 1 << 10       // 1 KiB
	maxVMAX = 64 << 20      // 64 MiB
	minBlocksToKeep = 10    // spec §4.4: MaxBlocksToKeep must be >= 10
	maxBlocksToKeep = 100000
)

// Load reads and parses path as a YAML EngineConfig, applying defaults
// for any field left unset before returning.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engineopts: read %s: %w", path, err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("engineopts: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EngineConfig) applyDefaults() {
	if c.VMAX == 0 {
		c.VMAX = 8 << 20
	}
	if c.Oplog.MinBytesPerBlock == 0 {
		c.Oplog.MinBytesPerBlock = 16 << 20
	}
	if c.Oplog.MaxBlocksToKeep == 0 {
		c.Oplog.MaxBlocksToKeep = 100
	}
	if c.Compression.Default == "" {
		c.Compression.Default = "none"
	}
	if len(c.Compression.Allowed) == 0 {
		c.Compression.Allowed = []string{"none"}
	}
}

// Validate reproduces the startup config-validation the original
// engine runs before accepting a configured VMAX/compression/block-size
// combination (spec §7 "config validation is in scope though config
// loading is not"): clamped block-count range, VMAX bounds, and a
// compression algorithm allow-list.
func (c *EngineConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("engineopts: path is required")
	}
	if c.VMAX < minVMAX || c.VMAX > maxVMAX {
		return fmt.Errorf("engineopts: vmax %d out of range [%d, %d]", c.VMAX, minVMAX, maxVMAX)
	}
	if c.Oplog.MinBytesPerBlock <= 0 {
		return fmt.Errorf("engineopts: oplog.minBytesPerBlock must be positive")
	}
	if c.Oplog.MaxBlocksToKeep < minBlocksToKeep || c.Oplog.MaxBlocksToKeep > maxBlocksToKeep {
		return fmt.Errorf("engineopts: oplog.maxBlocksToKeep %d out of range [%d, %d]", c.Oplog.MaxBlocksToKeep, minBlocksToKeep, maxBlocksToKeep)
	}
	if c.DefaultCap.MaxSize < 0 || c.DefaultCap.MaxRecords < 0 {
		return fmt.Errorf("engineopts: defaultCap fields must be non-negative")
	}
	allowed := make(map[string]bool, len(c.Compression.Allowed))
	for _, a := range c.Compression.Allowed {
		allowed[a] = true
	}
	if !allowed[c.Compression.Default] {
		return fmt.Errorf("engineopts: compression.default %q is not in compression.allowed %v", c.Compression.Default, c.Compression.Allowed)
	}
	return nil
}
