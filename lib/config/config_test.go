// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("Environment = %s, want development", cfg.Environment)
	}
	if !cfg.Sensor.TrackingEnabled {
		t.Error("tracking should default to enabled")
	}
	if cfg.Sensor.BufferCapacity != 500 {
		t.Errorf("BufferCapacity = %d, want 500", cfg.Sensor.BufferCapacity)
	}
	if cfg.Sensor.DeliveryInterval.Std() != 10*time.Second {
		t.Errorf("DeliveryInterval = %v, want 10s", cfg.Sensor.DeliveryInterval)
	}
	if cfg.Sensor.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Sensor.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when STREAMSENSOR_CONFIG is not set")
	}
	if !strings.HasPrefix(err.Error(), "STREAMSENSOR_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "sensor.yaml", `
sensor:
  site: example-site
  app: example-app
  offline_mode: true
  buffer_capacity: 50
  delivery_interval: 2s
  storage_path: ${STREAMSENSOR_STATE}/buffer.db
  state_dir: /var/lib/streamsensor
log:
  level: debug
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sensor.Site != "example-site" || cfg.Sensor.App != "example-app" {
		t.Errorf("site/app = %q/%q", cfg.Sensor.Site, cfg.Sensor.App)
	}
	if !cfg.Sensor.OfflineMode {
		t.Error("offline_mode not applied")
	}
	if cfg.Sensor.BufferCapacity != 50 {
		t.Errorf("BufferCapacity = %d, want 50", cfg.Sensor.BufferCapacity)
	}
	if cfg.Sensor.DeliveryInterval.Std() != 2*time.Second {
		t.Errorf("DeliveryInterval = %v, want 2s", cfg.Sensor.DeliveryInterval)
	}
	// Unset keys keep their defaults.
	if !cfg.Sensor.TrackingEnabled {
		t.Error("tracking_enabled lost its default")
	}
	if cfg.Sensor.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Sensor.MaxAttempts)
	}
	if cfg.Sensor.StoragePath != "/var/lib/streamsensor/buffer.db" {
		t.Errorf("StoragePath = %q, want expanded state dir", cfg.Sensor.StoragePath)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeConfig(t, "sensor.jsonc", `{
  // Comments and trailing commas are allowed.
  "sensor": {
    "site": "jsonc-site",
    "app": "jsonc-app",
    "timeout": "750ms",
    "compression": "lz4",
  },
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Sensor.Site != "jsonc-site" {
		t.Errorf("Site = %q, want jsonc-site", cfg.Sensor.Site)
	}
	if cfg.Sensor.Timeout.Std() != 750*time.Millisecond {
		t.Errorf("Timeout = %v, want 750ms", cfg.Sensor.Timeout)
	}
	if cfg.Sensor.Compression != "lz4" {
		t.Errorf("Compression = %q, want lz4", cfg.Sensor.Compression)
	}
	if cfg.Sensor.BufferCapacity != 500 {
		t.Errorf("BufferCapacity = %d, want default 500", cfg.Sensor.BufferCapacity)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "sensor:\n  delivery_interval: soon\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted an invalid duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile accepted a missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Run("development section", func(t *testing.T) {
		path := writeConfig(t, "dev.yaml", `
environment: development
sensor:
  endpoint: https://collector.example/v1/events
development:
  debug: true
  endpoint: http://127.0.0.1:9000/v1/events
  delivery_interval: 1s
`)
		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if !cfg.Sensor.Debug {
			t.Error("development debug override not applied")
		}
		if cfg.Sensor.Endpoint != "http://127.0.0.1:9000/v1/events" {
			t.Errorf("Endpoint = %q", cfg.Sensor.Endpoint)
		}
		if cfg.Sensor.DeliveryInterval.Std() != time.Second {
			t.Errorf("DeliveryInterval = %v, want 1s", cfg.Sensor.DeliveryInterval)
		}
	})

	t.Run("production defaults", func(t *testing.T) {
		path := writeConfig(t, "prod.yaml", `
environment: production
sensor:
  debug: true
log:
  level: debug
`)
		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Sensor.Debug {
			t.Error("production should force debug off")
		}
		if cfg.Log.Level != "info" {
			t.Errorf("Log.Level = %q, want info in production", cfg.Log.Level)
		}
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	cfg.Sensor.BufferCapacity = 0
	cfg.Sensor.DeliveryInterval = 0
	cfg.Sensor.Compression = "gzip"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid configuration")
	}
	for _, fragment := range []string{
		"invalid environment",
		"sensor.buffer_capacity",
		"sensor.delivery_interval",
		"sensor.compression",
		"log.format",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %s", err, fragment)
		}
	}
}

func TestMarshalRoundtrip(t *testing.T) {
	cfg := Default()
	cfg.Sensor.Site = "roundtrip"
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), "delivery_interval: 10s") {
		t.Errorf("durations not rendered as strings:\n%s", data)
	}

	path := writeConfig(t, "roundtrip.yaml", string(data))
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Sensor.Site != "roundtrip" || loaded.Sensor.DeliveryInterval != cfg.Sensor.DeliveryInterval {
		t.Errorf("roundtrip mismatch: %+v", loaded.Sensor)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Sensor.StateDir = filepath.Join(root, "state")
	cfg.Sensor.StoragePath = filepath.Join(root, "data", "events.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{cfg.Sensor.StateDir, filepath.Dir(cfg.Sensor.StoragePath)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}
