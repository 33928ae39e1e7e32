// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for streamsensor
// binaries and the sensor's wire identity.
//
// Three package-level variables are injected at build time via
// -ldflags -X: [GitCommit], [BuildTime] and [Version]. When GitCommit is
// not injected, the VCS revision recorded by the Go toolchain is used.
//
//   - [Info] -- "0.1.0-dev (abc1234, 2026-02-10T...)" for --version
//   - [Full] -- Info plus Go version and GOOS/GOARCH
//   - [Short] -- the version number, stamped into events as "sv"
//   - [UserAgent] -- "streamsensor/0.1.0-dev" for delivery requests
package version
