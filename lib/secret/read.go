// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxReadSize bounds ReadFromPath; key files are tiny.
const maxReadSize = 64 << 10

// ReadFromPath reads a secret from a file, or from stdin when path is
// "-". Surrounding whitespace is trimmed. Every intermediate heap copy
// is zeroed before return.
func ReadFromPath(path string) (*Buffer, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, maxReadSize))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return NewFromBytes(trimmed)
}
