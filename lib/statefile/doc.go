// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile reads and writes small state files atomically.
//
// [Write] writes to a temporary file in the same directory, fsyncs it,
// renames it into place, and fsyncs the parent directory, so a reader
// sees either the previous contents or the new contents, never a torn
// write. Files are created with mode 0600.
//
// [WriteCBOR] and [ReadCBOR] layer lib/codec on top for structured
// state. The sensor keeps its per-install identifier secret this way.
package statefile
