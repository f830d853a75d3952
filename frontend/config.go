package frontend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
	"github.com/tcassar-diss/uprobediag/debuginfo"
	"github.com/tcassar-diss/uprobediag/proc"
	"github.com/tcassar-diss/uprobediag/resolve"
	"github.com/tcassar-diss/uprobediag/uprobe"
)

// EnvPrefix starts every environment variable read by LoadConfig.
const EnvPrefix = "UPROBEDIAG_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every tunable of a diagnosis run.
type Config struct {
	// ProcRoot is where procfs is mounted; /host/proc when running in a
	// container with the host's procfs bind mounted.
	ProcRoot    string   `toml:"proc_root" env:"PROC_ROOT"`
	TraceFSDirs []string `toml:"tracefs_dirs" env:"TRACEFS_DIRS" envSeparator:":"`

	ProbePrefix string            `toml:"probe_prefix" env:"PROBE_PREFIX"`
	SettleDelay time.Duration     `toml:"settle_delay" env:"SETTLE_DELAY"`
	OffsetMode  uprobe.OffsetMode `toml:"offset_policy" env:"OFFSET_POLICY"`
	FixedOffset uint64            `toml:"fixed_offset" env:"FIXED_OFFSET"`

	StripPrefixes []string `toml:"strip_prefixes" env:"STRIP_PREFIXES" envSeparator:":"`
	DebugDirs     []string `toml:"debug_dirs" env:"DEBUG_DIRS" envSeparator:":"`

	// KernelLogLines is how much of the tracing error log is attached to a
	// diagnosis when the kernel rejected a probe.
	KernelLogLines int `toml:"kernel_log_lines" env:"KERNEL_LOG_LINES"`
}

// DefaultConfig is the configuration used when neither file nor environment
// say otherwise. Slices are copies; decoding writes into them in place.
func DefaultConfig() *Config {
	return &Config{
		ProcRoot:       proc.DefaultRoot,
		TraceFSDirs:    slices.Clone(uprobe.DefaultTraceFSDirs),
		ProbePrefix:    uprobe.DefaultPrefix,
		SettleDelay:    uprobe.DefaultSettle,
		OffsetMode:     uprobe.HeaderOffset,
		StripPrefixes:  slices.Clone(resolve.DefaultStripPrefixes),
		DebugDirs:      slices.Clone(debuginfo.DefaultDebugDirs),
		KernelLogLines: 10,
	}
}

// LoadConfig overrides configuration in the following order (from less to
// most priority)
// 1 - DefaultConfig
// 2 - Contents of the provided TOML reader (nillable)
// 3 - Environment variables prefixed with EnvPrefix
func LoadConfig(file io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if file != nil {
		if _, err := toml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to read env vars: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFile runs LoadConfig on the file at path, or on no file when
// path is empty.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return LoadConfig(nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return LoadConfig(f)
}

// Validate checks values that can't be caught by decoding.
func (c *Config) Validate() error {
	switch c.OffsetMode {
	case uprobe.HeaderOffset, uprobe.EntryOffset:
	case uprobe.FixedOffset:
		if c.FixedOffset == 0 {
			return fmt.Errorf("%w: offset_policy %q needs a non-zero fixed_offset", ErrInvalidConfig, c.OffsetMode)
		}
	default:
		return fmt.Errorf("%w: unknown offset_policy %q", ErrInvalidConfig, c.OffsetMode)
	}

	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: negative settle_delay %s", ErrInvalidConfig, c.SettleDelay)
	}

	if c.ProcRoot == "" {
		return fmt.Errorf("%w: empty proc_root", ErrInvalidConfig)
	}

	return nil
}

// ProberCfg is the uprobe.ProberCfg described by c.
func (c *Config) ProberCfg() *uprobe.ProberCfg {
	return &uprobe.ProberCfg{
		Prefix: c.ProbePrefix,
		Settle: c.SettleDelay,
	}
}

// OffsetPolicy is the uprobe.OffsetPolicy described by c.
func (c *Config) OffsetPolicy() uprobe.OffsetPolicy {
	return uprobe.OffsetPolicy{
		Mode:  c.OffsetMode,
		Fixed: c.FixedOffset,
	}
}
