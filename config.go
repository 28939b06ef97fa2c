package gpusync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gogpu/gpucontext"
	"gopkg.in/yaml.v3"
)

// configValidate validates Config values. Initialized once; validator
// caches struct metadata.
var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Config is the file form of the context options.
//
// Example:
//
//	fallback: software
//	max_barriers: 64
//	poll_interval: 100us
//	log_level: debug
type Config struct {
	Fallback     string        `yaml:"fallback" validate:"omitempty,oneof=never always software"`
	MaxBarriers  int           `yaml:"max_barriers" validate:"gte=0,lte=65536"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0,lte=1s"`
	LogLevel     string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Adapter overrides the adapter description consulted by the
	// software fallback.
	Adapter struct {
		Name     string `yaml:"name"`
		Software bool   `yaml:"software"`
	} `yaml:"adapter"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML config data. Unknown keys are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config values.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the configured log level, Info when unset.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if c.LogLevel == "" || l.UnmarshalText([]byte(c.LogLevel)) != nil {
		return slog.LevelInfo
	}
	return l
}

// Options converts the config into context options.
func (c *Config) Options() ([]Option, error) {
	mode, err := ParseFallbackMode(c.Fallback)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithFallback(mode),
		WithMaxBarriers(c.MaxBarriers),
	}
	if c.PollInterval > 0 {
		opts = append(opts, WithPollInterval(c.PollInterval))
	}
	if c.Adapter.Name != "" || c.Adapter.Software {
		opts = append(opts, WithAdapterInfo(c.adapterInfo()))
	}
	return opts, nil
}

// decodeStrict unmarshals YAML, failing on unknown fields.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) adapterInfo() gpucontext.AdapterInfo {
	info := gpucontext.AdapterInfo{Name: c.Adapter.Name}
	if c.Adapter.Software {
		info.Type = gpucontext.AdapterTypeSoftware
	}
	return info
}
