// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/streamsensor/lib/compress"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "STREAMSENSOR_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the complete file schema.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	Sensor    SensorConfig    `yaml:"sensor" json:"sensor"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Collector CollectorConfig `yaml:"collector" json:"collector"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// SensorConfig mirrors the sensor's construction parameters.
type SensorConfig struct {
	Site             string   `yaml:"site" json:"site"`
	App              string   `yaml:"app" json:"app"`
	TrackingEnabled  bool     `yaml:"tracking_enabled" json:"tracking_enabled"`
	Debug            bool     `yaml:"debug" json:"debug"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	OfflineMode      bool     `yaml:"offline_mode" json:"offline_mode"`
	BufferCapacity   int      `yaml:"buffer_capacity" json:"buffer_capacity"`
	DeliveryInterval Duration `yaml:"delivery_interval" json:"delivery_interval"`

	Endpoint             string   `yaml:"endpoint" json:"endpoint"`
	StoragePath          string   `yaml:"storage_path" json:"storage_path"`
	StateDir             string   `yaml:"state_dir" json:"state_dir"`
	AdvertisingID        string   `yaml:"advertising_id" json:"advertising_id"`
	AdvertisingIDEnabled bool     `yaml:"advertising_id_enabled" json:"advertising_id_enabled"`
	MaxAttempts          int      `yaml:"max_attempts" json:"max_attempts"`
	BackoffMax           Duration `yaml:"backoff_max" json:"backoff_max"`
	BatchSize            int      `yaml:"batch_size" json:"batch_size"`
	SampleInterval       Duration `yaml:"sample_interval" json:"sample_interval"`
	ProbeInterval        Duration `yaml:"probe_interval" json:"probe_interval"`
	Compression          string   `yaml:"compression" json:"compression"`
	PlayerName           string   `yaml:"player_name" json:"player_name"`
	PlayerVersion        string   `yaml:"player_version" json:"player_version"`
}

// LogConfig configures the CLI's slog handler and optional rotating file.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Format is auto (text on a terminal, JSON otherwise), text or json.
	Format string `yaml:"format" json:"format"`

	// File, when set, receives JSON records through a rotating writer.
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// TelemetryConfig configures export of the sensor's own metrics.
type TelemetryConfig struct {
	// OTLPEndpoint is a host:port for OTLP/gRPC metric export. Empty
	// disables export.
	OTLPEndpoint   string   `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ExportInterval Duration `yaml:"export_interval" json:"export_interval"`
}

// CollectorConfig configures the mock collector binary.
type CollectorConfig struct {
	Listen   string  `yaml:"listen" json:"listen"`
	FailRate float64 `yaml:"fail_rate" json:"fail_rate"`
	Status   int     `yaml:"status" json:"status"`
}

// Overrides holds per-environment replacements. Nil pointers and empty
// strings leave the base value alone.
type Overrides struct {
	Debug            *bool     `yaml:"debug,omitempty" json:"debug,omitempty"`
	Endpoint         string    `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	DeliveryInterval *Duration `yaml:"delivery_interval,omitempty" json:"delivery_interval,omitempty"`
	LogLevel         string    `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	OTLPEndpoint     string    `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats the duration the way time.Duration does.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("duration at line %d: %w", node.Line, err)
	}
	return d.parse(text)
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	return d.parse(text)
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used before the file is applied.
func Default() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Environment: Development,
		Sensor: SensorConfig{
			TrackingEnabled:  true,
			Timeout:          Duration(5 * time.Second),
			BufferCapacity:   500,
			DeliveryInterval: Duration(10 * time.Second),
			Endpoint:         "http://127.0.0.1:8470/v1/events",
			StoragePath:      filepath.Join(stateDir, "events.db"),
			StateDir:         stateDir,
			MaxAttempts:      5,
			BackoffMax:       Duration(5 * time.Minute),
			BatchSize:        50,
			SampleInterval:   Duration(10 * time.Second),
			ProbeInterval:    Duration(10 * time.Second),
			Compression:      "zstd",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Telemetry: TelemetryConfig{
			ExportInterval: Duration(30 * time.Second),
		},
		Collector: CollectorConfig{
			Listen: "127.0.0.1:8470",
			Status: 503,
		},
	}
}

func defaultStateDir() string {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "streamsensor")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "streamsensor")
	}
	return filepath.Join(homeDir, ".local", "state", "streamsensor")
}

// Load loads the file named by STREAMSENSOR_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of a streamsensor config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads a configuration file over the defaults, applies the
// matching environment section and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			debug := false
			overrides = &Overrides{Debug: &debug, LogLevel: "info"}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Debug != nil {
		c.Sensor.Debug = *overrides.Debug
	}
	if overrides.Endpoint != "" {
		c.Sensor.Endpoint = overrides.Endpoint
	}
	if overrides.DeliveryInterval != nil {
		c.Sensor.DeliveryInterval = *overrides.DeliveryInterval
	}
	if overrides.LogLevel != "" {
		c.Log.Level = overrides.LogLevel
	}
	if overrides.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = overrides.OTLPEndpoint
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"STREAMSENSOR_STATE": c.Sensor.StateDir,
		"HOME":               os.Getenv("HOME"),
	}
	c.Sensor.StateDir = expandVars(c.Sensor.StateDir, vars)
	vars["STREAMSENSOR_STATE"] = c.Sensor.StateDir

	c.Sensor.StoragePath = expandVars(c.Sensor.StoragePath, vars)
	c.Log.File = expandVars(c.Log.File, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Sensor.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("sensor.buffer_capacity must be positive"))
	}
	if c.Sensor.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("sensor.max_attempts must be positive"))
	}
	if c.Sensor.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sensor.batch_size must be positive"))
	}
	positive := map[string]Duration{
		"sensor.timeout":           c.Sensor.Timeout,
		"sensor.delivery_interval": c.Sensor.DeliveryInterval,
		"sensor.backoff_max":       c.Sensor.BackoffMax,
		"sensor.sample_interval":   c.Sensor.SampleInterval,
		"sensor.probe_interval":    c.Sensor.ProbeInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if _, err := compress.ParseTag(c.Sensor.Compression); err != nil {
		errs = append(errs, fmt.Errorf("sensor.compression: %w", err))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}
	if !slices.Contains([]string{"auto", "text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of auto, text, json"))
	}
	if c.Collector.FailRate < 0 || c.Collector.FailRate > 1 {
		errs = append(errs, fmt.Errorf("collector.fail_rate must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state directory and the storage path's parent.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Sensor.StateDir, filepath.Dir(c.Sensor.StoragePath)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
