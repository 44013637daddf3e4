package bridge

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds bridge configuration, loaded from synapse.toml or built
// from defaults.
type Config struct {
	Bridge BridgeConfig `toml:"bridge"`
	Log    LogConfig    `toml:"log"`
	Store  StoreConfig  `toml:"store"`

	// Dir is the directory containing the synapse.toml file (set at
	// load time; empty for default configs).
	Dir string `toml:"-"`
}

// BridgeConfig configures the bridge core.
type BridgeConfig struct {
	MaxWorkers    int    `toml:"max-workers"`
	MaxPools      int    `toml:"max-pools"`
	MaxBindings   int    `toml:"max-bindings"`
	ErrorCapacity int    `toml:"error-capacity"`
	SegmentDir    string `toml:"segment-dir"`
}

// LogConfig configures the log sink.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// StoreConfig configures object persistence.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Defaults
const (
	DefaultMaxWorkers    = 4
	DefaultMaxPools      = 64
	DefaultMaxBindings   = 256
	DefaultErrorCapacity = 1024
)

// DefaultConfig returns a configuration with default values. SYNAPSE_ROOT
// overrides the state directory; SYNAPSE_DB overrides the store path.
func DefaultConfig() Config {
	root := os.Getenv("SYNAPSE_ROOT")
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".synapse")
	}

	dbPath := os.Getenv("SYNAPSE_DB")
	if dbPath == "" {
		dbPath = filepath.Join(root, "objects.db")
	}

	return Config{
		Bridge: BridgeConfig{
			MaxWorkers:    DefaultMaxWorkers,
			MaxPools:      DefaultMaxPools,
			MaxBindings:   DefaultMaxBindings,
			ErrorCapacity: DefaultErrorCapacity,
			SegmentDir:    defaultSegmentDir(),
		},
		Store: StoreConfig{Path: dbPath},
	}
}

// LoadConfig parses a synapse.toml file from the given directory.
// Missing fields keep their defaults.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(dir, "synapse.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}

	cfg.Dir, err = filepath.Abs(dir)
	if err != nil {
		return cfg, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	cfg.applyFloors()
	return cfg, nil
}

// FindAndLoad walks up from startDir to find a synapse.toml file.
// Returns the default configuration if none is found.
func FindAndLoad(startDir string) (Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return DefaultConfig(), err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "synapse.toml")); err == nil {
			return LoadConfig(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return DefaultConfig(), nil
		}
		dir = parent
	}
}

func (c *Config) applyFloors() {
	if c.Bridge.MaxWorkers <= 0 {
		c.Bridge.MaxWorkers = DefaultMaxWorkers
	}
	if c.Bridge.MaxPools <= 0 {
		c.Bridge.MaxPools = DefaultMaxPools
	}
	if c.Bridge.MaxBindings <= 0 {
		c.Bridge.MaxBindings = DefaultMaxBindings
	}
	if c.Bridge.ErrorCapacity <= 0 {
		c.Bridge.ErrorCapacity = DefaultErrorCapacity
	}
	if c.Bridge.SegmentDir == "" {
		c.Bridge.SegmentDir = defaultSegmentDir()
	}
}
