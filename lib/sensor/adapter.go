// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

// PlayerMeta describes the player and screen.
type PlayerMeta struct {
	PlayerName    string
	PlayerVersion string
	ScreenWidth   int
	ScreenHeight  int
}

// StreamAdapter gives the sensor read access to a playing stream. The
// sampler calls it from its own goroutine, so implementations must be
// safe for concurrent use with the player.
type StreamAdapter interface {
	// GetMeta describes the player.
	GetMeta() PlayerMeta

	// GetPosition returns the playback position in seconds.
	GetPosition() int

	// GetDuration returns the stream length in seconds, 0 when unknown
	// (live streams). The first positive value is kept for the rest of
	// the session.
	GetDuration() int

	// GetWidth and GetHeight return the video size, 0 for audio.
	GetWidth() int
	GetHeight() int
}
