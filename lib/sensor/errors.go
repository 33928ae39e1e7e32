// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import "errors"

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("sensor: already initialized")

	// ErrNotInitialized is returned by Instance before Initialize and
	// by operations on an unloaded sensor.
	ErrNotInitialized = errors.New("sensor: not initialized")

	// ErrInvalidArgument is returned for nil adapters, nil attribute
	// maps, empty UIDs and incomplete configuration.
	ErrInvalidArgument = errors.New("sensor: invalid argument")

	// ErrMissingMandatoryField is returned by Track when the name
	// attribute is missing or empty.
	ErrMissingMandatoryField = errors.New("sensor: missing mandatory field")
)
