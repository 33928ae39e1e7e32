// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body reads and network error
// classification shared by the delivery transport, the connectivity
// probes and the mock collector.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// MaxErrorBodySize bounds ErrorBody. A collector's error page is only
// useful as a log hint.
const MaxErrorBodySize int64 = 4 << 10

// ErrBodyTooLarge is returned by ReadBody when the body exceeds its limit.
var ErrBodyTooLarge = errors.New("netutil: body exceeds limit")

// ReadBody reads at most limit bytes from body. A body longer than limit
// returns ErrBodyTooLarge instead of a silently truncated payload.
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("netutil: reading body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads the start of an HTTP error response for diagnostics.
// Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize))
	return string(data)
}

// Drain discards the rest of body (bounded) so the connection can be
// reused, then closes it.
func Drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, MaxErrorBodySize))
	body.Close()
}

// IsNetworkError reports whether err means the peer could not be
// reached: DNS failure, refused or reset connections, unreachable
// networks, and timeouts. These are connectivity signals, as opposed to
// a server that answered with an error status.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsError *net.DNSError
	if errors.As(err, &dnsError) {
		return true
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH,
			syscall.EHOSTUNREACH, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		}
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
