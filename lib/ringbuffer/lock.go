// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by OpenSQLiteStore when another process holds
// the buffer's lock file.
var ErrLocked = errors.New("ringbuffer: buffer is in use by another process")

// fileLock is an exclusive, non-blocking flock held for the life of a
// SQLiteStore. The kernel releases it if the process dies.
type fileLock struct {
	file *os.File
}

func acquireLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("ringbuffer: locking %s: %w", path, err)
	}
	return &fileLock{file: file}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
