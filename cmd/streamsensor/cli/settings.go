// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bureau-foundation/streamsensor/lib/config"
)

// EnvironmentPrefix prefixes every environment variable the CLI reads:
// --log-level is also STREAMSENSOR_LOG_LEVEL.
const EnvironmentPrefix = "STREAMSENSOR"

// Global flag names.
const (
	FlagConfig       = "config"
	FlagSite         = "site"
	FlagApp          = "app"
	FlagEndpoint     = "endpoint"
	FlagStorage      = "storage"
	FlagStateDir     = "state-dir"
	FlagOffline      = "offline"
	FlagDebug        = "debug"
	FlagLogLevel     = "log-level"
	FlagLogFormat    = "log-format"
	FlagLogFile      = "log-file"
	FlagOTLPEndpoint = "otlp-endpoint"
)

// AddGlobalFlags registers the flags every command accepts. Defaults
// are empty: an unset flag leaves the environment and file values
// alone.
func AddGlobalFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfig, "", "config file (YAML, JSON or JSONC); also STREAMSENSOR_CONFIG")
	flags.String(FlagSite, "", "site identifier")
	flags.String(FlagApp, "", "application identifier")
	flags.String(FlagEndpoint, "", "collector URL events are POSTed to")
	flags.String(FlagStorage, "", "buffer database path")
	flags.String(FlagStateDir, "", "directory for the install secret")
	flags.Bool(FlagOffline, false, "start with delivery suspended")
	flags.Bool(FlagDebug, false, "mark events as debug and log at debug level")
	flags.String(FlagLogLevel, "", "log level: debug, info, warn or error")
	flags.String(FlagLogFormat, "", "log format: auto, text or json")
	flags.String(FlagLogFile, "", "write JSON logs to this rotating file instead of stderr")
	flags.String(FlagOTLPEndpoint, "", "host:port for OTLP/gRPC metric export")
}

// LoadConfig resolves the effective configuration: flags override
// STREAMSENSOR_* variables, which override the config file, which
// overrides the defaults. flags may be nil.
func LoadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvironmentPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := config.Default()
	if path := v.GetString(FlagConfig); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	textSettings := map[string]*string{
		FlagSite:         &cfg.Sensor.Site,
		FlagApp:          &cfg.Sensor.App,
		FlagEndpoint:     &cfg.Sensor.Endpoint,
		FlagStorage:      &cfg.Sensor.StoragePath,
		FlagStateDir:     &cfg.Sensor.StateDir,
		FlagLogLevel:     &cfg.Log.Level,
		FlagLogFormat:    &cfg.Log.Format,
		FlagLogFile:      &cfg.Log.File,
		FlagOTLPEndpoint: &cfg.Telemetry.OTLPEndpoint,
	}
	for key, target := range textSettings {
		if v.IsSet(key) {
			*target = v.GetString(key)
		}
	}
	boolSettings := map[string]*bool{
		FlagOffline: &cfg.Sensor.OfflineMode,
		FlagDebug:   &cfg.Sensor.Debug,
	}
	for key, target := range boolSettings {
		if v.IsSet(key) {
			*target = v.GetBool(key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
