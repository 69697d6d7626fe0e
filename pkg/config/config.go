// Package config defines the server's configuration surface and its
// YAML loader.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sandboxhq/sandboxd/pkg/chaos"
)

// ResponseValidationMode controls what a response-schema mismatch does.
type ResponseValidationMode string

const (
	// ResponsesOff disables response validation.
	ResponsesOff ResponseValidationMode = "off"
	// ResponsesWarn logs mismatches and sends the response as-is.
	ResponsesWarn ResponseValidationMode = "warn"
	// ResponsesStrict replaces a mismatching response with a 500.
	ResponsesStrict ResponseValidationMode = "strict"
)

// Config is the full configuration surface.
type Config struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// OAS is the path to the OpenAPI document (JSON or YAML).
	OAS string `json:"oas" yaml:"oas"`

	// Scenarios is the path to the rules file.
	Scenarios string `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	// Store selects and configures the state backend.
	Store StoreConfig `json:"store,omitempty" yaml:"store,omitempty"`

	// Validate controls request/response validation.
	Validate ValidateConfig `json:"validate,omitempty" yaml:"validate,omitempty"`

	// Seed drives the determinism of template randomness and data
	// generation. Empty means a fixed default seed.
	Seed string `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Chaos configures fault injection.
	Chaos chaos.Config `json:"chaos,omitempty" yaml:"chaos,omitempty"`

	// Proxy is reserved for the record/replay proxy; accepted but
	// unused.
	Proxy map[string]any `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	// Log configures log level and format.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty"`
}

// StoreConfig selects exactly one backend; Memory applies when none is
// given.
type StoreConfig struct {
	Memory  *MemoryStoreConfig  `json:"memory,omitempty" yaml:"memory,omitempty"`
	File    *FileStoreConfig    `json:"file,omitempty" yaml:"file,omitempty"`
	Network *NetworkStoreConfig `json:"network,omitempty" yaml:"network,omitempty"`
}

// MemoryStoreConfig configures the in-memory backend.
type MemoryStoreConfig struct {
	MaxSize    int     `json:"maxSize,omitempty" yaml:"maxSize,omitempty"`
	DefaultTTL float64 `json:"defaultTtl,omitempty" yaml:"defaultTtl,omitempty"` // seconds
}

// FileStoreConfig configures the append-log file backend.
type FileStoreConfig struct {
	Path               string   `json:"path" yaml:"path"`
	CompactionInterval Duration `json:"compactionInterval,omitempty" yaml:"compactionInterval,omitempty"`
	SnapshotOnShutdown bool     `json:"snapshotOnShutdown,omitempty" yaml:"snapshotOnShutdown,omitempty"`
}

// NetworkStoreConfig configures the redis backend.
type NetworkStoreConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db,omitempty" yaml:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// ValidateConfig controls validation behavior.
type ValidateConfig struct {
	// Requests toggles request validation.
	Requests bool `json:"requests" yaml:"requests"`

	// Responses is "strict", "warn" or "off"/false.
	Responses ResponseValidationMode `json:"responses,omitempty" yaml:"responses,omitempty"`
}

// LogConfig is the logging slice of the configuration.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Validate: ValidateConfig{
			Requests:  true,
			Responses: ResponsesWarn,
		},
		Seed: "sandbox",
	}
}

// Load reads and validates a YAML configuration file, applied on top
// of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates cross-field constraints.
func (c *Config) Check() error {
	if c.OAS == "" {
		return fmt.Errorf("config: oas document path is required")
	}

	backends := 0
	if c.Store.Memory != nil {
		backends++
	}
	if c.Store.File != nil {
		backends++
	}
	if c.Store.Network != nil {
		backends++
	}
	if backends > 1 {
		return fmt.Errorf("config: store must select a single backend")
	}
	if c.Store.File != nil && c.Store.File.Path == "" {
		return fmt.Errorf("config: store.file.path is required")
	}
	if c.Store.Network != nil && c.Store.Network.Host == "" {
		return fmt.Errorf("config: store.network.host is required")
	}

	switch c.Validate.Responses {
	case "", ResponsesOff, ResponsesWarn, ResponsesStrict, "false":
	default:
		return fmt.Errorf("config: validate.responses must be strict, warn or off")
	}

	if c.Chaos.ErrorRate < 0 || c.Chaos.ErrorRate > 1 {
		return fmt.Errorf("config: chaos.errorRate must be within [0, 1]")
	}
	return nil
}

// ResponsesMode normalizes the configured response-validation mode.
func (c *Config) ResponsesMode() ResponseValidationMode {
	switch c.Validate.Responses {
	case ResponsesStrict:
		return ResponsesStrict
	case "", ResponsesWarn:
		return ResponsesWarn
	default:
		return ResponsesOff
	}
}
