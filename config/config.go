// Package config handles pare.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/pare/classfile"
)

// FileName is the name of the configuration file.
const FileName = "pare.toml"

// Config represents a pare.toml configuration.
type Config struct {
	Analysis Analysis `toml:"analysis"`
	Shrink   Shrink   `toml:"shrink"`
	Store    Store    `toml:"store"`
	Run      Run      `toml:"run"`

	// Dir is the directory containing the pare.toml file (set at load time).
	Dir string `toml:"-"`
}

// Analysis configures the evaluator and the marker.
type Analysis struct {
	Conservative bool `toml:"conservative"`

	// MaxVisits bounds the instruction visits per method; 0 picks a bound
	// from the method size.
	MaxVisits int `toml:"max-visits"`

	// PureMethods lists methods without side effects, as "owner.name",
	// "owner.name(descriptor)" or "owner.*".
	PureMethods []string `toml:"pure-methods"`

	// Propagate stores parameter, return and field values across methods.
	Propagate bool `toml:"propagate"`
}

// Shrink configures the rewriting stages.
type Shrink struct {
	MergeThis bool `toml:"merge-this"`
	Variables bool `toml:"variables"`
}

// Store selects where propagated values live.
type Store struct {
	Kind     string `toml:"kind"` // "memory" or "sqlite"
	Path     string `toml:"path"`
	Snapshot string `toml:"snapshot"`
}

// Run configures the driver.
type Run struct {
	Workers int `toml:"workers"`
	Passes  int `toml:"passes"`
}

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Default returns the configuration used without a pare.toml.
func Default() *Config {
	c := &Config{}
	c.Shrink.Variables = true
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}
	if c.Store.Kind == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = "pare.db"
	}
	if c.Run.Workers <= 0 {
		c.Run.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Run.Passes <= 0 {
		c.Run.Passes = 1
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if c.Analysis.MaxVisits < 0 {
		return fmt.Errorf("max-visits must not be negative, got %d", c.Analysis.MaxVisits)
	}
	if c.Store.Snapshot != "" && c.Store.Kind != StoreMemory {
		return fmt.Errorf("snapshot needs the memory store")
	}
	return nil
}

// Load parses a pare.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(dir, data)
}

// Parse decodes configuration text belonging to dir.
func Parse(dir string, data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", FileName, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s in %s", undecoded[0], FileName)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if !md.IsDefined("shrink", "variables") {
		c.Shrink.Variables = true
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(c.Dir, FileName), err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a pare.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes a configured path absolute against Dir.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// StorePath returns the SQLite database path.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// SnapshotPath returns the value snapshot path, or "" when none is set.
func (c *Config) SnapshotPath() string {
	return c.resolve(c.Store.Snapshot)
}

// IsPure reports whether a listed pattern covers m.
func (a Analysis) IsPure(m classfile.MethodRef) bool {
	for _, p := range a.PureMethods {
		owner, member, ok := strings.Cut(p, ".")
		if !ok || owner != m.Class {
			continue
		}
		switch member {
		case "*", m.Name, m.Name + m.Descriptor:
			return true
		}
	}
	return false
}
