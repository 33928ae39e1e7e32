// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads streamsensor configuration files.
//
// Configuration comes from a single file named by the STREAMSENSOR_CONFIG
// environment variable (via [Load]) or a --config flag (via [LoadFile]).
// There is no automatic discovery. Files ending in .json or .jsonc are
// parsed as JSON with comments and trailing commas allowed; everything
// else is YAML.
//
// A file may carry development and production sections that override
// base values when [Config].Environment matches. Production without an
// explicit section forces debug off and the log level to info.
//
// ${HOME}, ${STREAMSENSOR_STATE} and ${VAR:-default} patterns are
// expanded in path fields after loading.
//
// Durations are written as Go duration strings ("10s", "5m").
package config
