package pool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	c "mrpool/internal"
	"mrpool/internal/memreg"
	"mrpool/internal/system"

	"gopkg.in/yaml.v3"
)

// Config is fixed once the pool is created. Zero values pick the defaults.
type Config struct {
	// slab size, every buddy tree is rooted at one slab of this size
	AllocationSize		int				`yaml:"allocation_size"`
	// smallest block ever handed out
	MinAllocationSize	int				`yaml:"min_allocation_size"`
	// slab start address alignment, <= 1 means none
	AlignmentSize		int				`yaml:"alignment_size"`
	Access				memreg.Access	`yaml:"access"`
	// when set (and Provider is nil) slabs are file mappings in this directory
	HugePagesDir		string			`yaml:"hugepages_dir"`

	Provider			system.Provider	`yaml:"-"`
}

func (cfg Config) withDefaults() Config {
	if cfg.AllocationSize == 0 {
		cfg.AllocationSize = c.DEFAULT_ALLOCATION_SIZE
	}
	if cfg.MinAllocationSize == 0 {
		cfg.MinAllocationSize = min(c.DEFAULT_MIN_ALLOCATION_SIZE, cfg.AllocationSize)
	}
	if cfg.AlignmentSize == 0 {
		cfg.AlignmentSize = c.DEFAULT_ALIGNMENT_SIZE
	}
	if cfg.Access == 0 {
		cfg.Access = memreg.DEFAULT_ACCESS
	}
	return cfg
}

func (cfg Config) checkSigns() error {
	if cfg.AllocationSize < 0 || cfg.MinAllocationSize < 0 || cfg.AlignmentSize < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (cfg Config) validate() error {
	if err := cfg.checkSigns(); err != nil {
		return err
	}
	if !c.IsPow2(cfg.AllocationSize) {
		return fmt.Errorf("%w: allocation size %d is not a power of two", ErrInvalidConfig, cfg.AllocationSize)
	}
	if !c.IsPow2(cfg.MinAllocationSize) {
		return fmt.Errorf("%w: min allocation size %d is not a power of two", ErrInvalidConfig, cfg.MinAllocationSize)
	}
	if cfg.MinAllocationSize > cfg.AllocationSize {
		return fmt.Errorf("%w: min allocation size %d exceeds allocation size %d",
			ErrInvalidConfig, cfg.MinAllocationSize, cfg.AllocationSize)
	}
	return nil
}

// Applies defaults and checks the result.
func (cfg Config) Normalize() (Config, error) {
	// negatives must not be papered over by defaults
	if err := cfg.checkSigns(); err != nil {
		return cfg, err
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.validate()
}

// Reads a yaml config file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	return cfg.Normalize()
}

func (cfg Config) provider() (system.Provider, error) {
	if cfg.Provider != nil {
		return cfg.Provider, nil
	}
	if cfg.HugePagesDir != "" {
		return system.CreateHugePageProvider(cfg.HugePagesDir)
	}
	return system.CreateAlignedProvider(), nil
}
