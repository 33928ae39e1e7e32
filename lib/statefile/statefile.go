// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/streamsensor/lib/codec"
)

// Write atomically replaces the file at path with data. The parent
// directory must already exist.
func Write(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file: %w", err)
	}

	// Write, sync, close, in that order. On any failure remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing %s: %w", temporaryPath, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming into %s: %w", path, err)
	}

	// The rename is only durable once the directory entry is flushed.
	if parentDirectory, err := os.Open(filepath.Dir(path)); err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// Read returns the file contents. When the file does not exist the
// returned error wraps os.ErrNotExist.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("statefile: %w", err)
	}
	return data, nil
}

// WriteCBOR encodes value with lib/codec and writes it atomically.
func WriteCBOR(path string, value any) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("statefile: encoding %s: %w", path, err)
	}
	return Write(path, data)
}

// ReadCBOR reads path and decodes it into value. A missing file wraps
// os.ErrNotExist; undecodable contents return a decode error so the
// caller can choose to regenerate the state.
func ReadCBOR(path string, value any) error {
	data, err := Read(path)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, value); err != nil {
		return fmt.Errorf("statefile: decoding %s: %w", path, err)
	}
	return nil
}

// Clear removes the file. Returns nil when it does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}
	return nil
}
