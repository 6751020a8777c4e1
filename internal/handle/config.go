package handle

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config tunes the growth and logging behavior of a Table. The zero value is
// not directly usable; build one with DefaultConfig or LoadConfig, which
// fill in any unset field with its default.
type Config struct {
	// MinFreeEntries is the lower bound on FreeCount maintained by proactive
	// growth. Default: 128.
	MinFreeEntries uint32 `yaml:"min_free_entries"`

	// GrowthIncrement is how many slots Expand adds at a time. Default: 1024.
	GrowthIncrement uint32 `yaml:"growth_increment"`

	// MaxSize is the largest the slot array is allowed to grow to. Default:
	// 1<<24, since the index field is only 24 bits wide.
	MaxSize uint32 `yaml:"max_size"`

	// Logger receives validation and corruption diagnostics. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the table's default growth parameters.
func DefaultConfig() Config {
	return Config{
		MinFreeEntries:  128,
		GrowthIncrement: 1024,
		MaxSize:         maxIndex + 1,
	}
}

// LoadConfig reads a YAML config file and fills in any field left at its
// zero value with the corresponding DefaultConfig value.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("handle: load config: %w", err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("handle: parse config %s: %w", path, err)
	}

	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinFreeEntries == 0 {
		c.MinFreeEntries = def.MinFreeEntries
	}
	if c.GrowthIncrement == 0 {
		c.GrowthIncrement = def.GrowthIncrement
	}
	if c.MaxSize == 0 {
		c.MaxSize = def.MaxSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
