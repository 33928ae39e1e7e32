// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework shared by the streamsensor
// binaries: a small pflag-based command tree, settings resolution
// through viper (flags over STREAMSENSOR_* environment over the config
// file over defaults), the slog handler choice and optional OTLP metric
// export.
package cli
