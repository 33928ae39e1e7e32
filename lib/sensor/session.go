// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"maps"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

// AttributeName is the mandatory Track attribute.
const AttributeName = "name"

// Event kinds, the "ev" payload key.
const (
	eventStart  = "start"
	eventSample = "sample"
	eventStop   = "stop"
)

// Payload keys set by the sensor. They take precedence over caller
// attributes of the same name.
const (
	KeyEvent         = "ev"
	KeySite          = "site"
	KeyApp           = "app"
	KeyUID           = "uid"
	KeyPosition      = "pos"
	KeyDuration      = "dur"
	KeyVideoWidth    = "vw"
	KeyVideoHeight   = "vh"
	KeyPlayerName    = "pn"
	KeyPlayerVersion = "pv"
	KeyScreenWidth   = "sw"
	KeyScreenHeight  = "sh"
	KeyPlayStates    = "pst"
	KeyDeviceID      = "did"
	KeyOS            = "os"
	KeySensorVersion = "sv"
	KeyDebug         = "dbg"
)

const (
	// maxPlayStates caps the range list; the oldest ranges are merged
	// beyond it.
	maxPlayStates = 32

	// playTolerance absorbs sampling jitter when deciding whether
	// playback continued or jumped.
	playTolerance = 2
)

// playRange is a contiguous span of watched positions, in seconds.
type playRange struct {
	start int
	end   int
}

// Session measures one piece of content. Obtain one from Track.
type Session struct {
	sensor     *Sensor
	uid        string
	adapter    StreamAdapter
	attributes map[string]string

	// recording serializes events of one session so that nothing is
	// recorded after the stop event.
	recording sync.Mutex

	mutex      sync.Mutex
	stopped    bool
	duration   int
	playStates []playRange
	lastSample time.Time
}

func newSession(sensor *Sensor, uid string, adapter StreamAdapter, attributes map[string]string) *Session {
	return &Session{
		sensor:     sensor,
		uid:        uid,
		adapter:    adapter,
		attributes: maps.Clone(attributes),
	}
}

// UID returns the session's identifier, also after Stop.
func (s *Session) UID() string {
	if s == nil {
		return ""
	}
	return s.uid
}

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool {
	if s == nil {
		return true
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stopped
}

// Stop ends the session with a final sample. Later calls do nothing.
// A stopped session cannot be restarted.
func (s *Session) Stop() {
	if s == nil {
		return
	}
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	s.mutex.Unlock()

	s.sensor.removeSession(s.uid)
	s.recording.Lock()
	s.record(eventStop)
	s.recording.Unlock()
	s.sensor.logger.Info("session stopped", "uid", s.uid)
}

// sample records an event for an active session.
func (s *Session) sample(kind string) {
	s.recording.Lock()
	defer s.recording.Unlock()
	if s.Stopped() {
		return
	}
	s.record(kind)
}

func (s *Session) record(kind string) {
	// The adapter is read outside the lock: it belongs to the host's
	// player and may be slow.
	position := s.adapter.GetPosition()
	duration := s.adapter.GetDuration()
	width := s.adapter.GetWidth()
	height := s.adapter.GetHeight()
	meta := s.adapter.GetMeta()
	now := s.sensor.clock.Now()

	s.mutex.Lock()
	if s.duration <= 0 && duration > 0 {
		s.duration = duration
	}
	s.trackPosition(position, now)
	states := formatPlayStates(s.playStates)
	latched := s.duration
	s.mutex.Unlock()

	sensor := s.sensor
	if meta.PlayerName == "" {
		meta.PlayerName = sensor.config.PlayerName
	}
	if meta.PlayerVersion == "" {
		meta.PlayerVersion = sensor.config.PlayerVersion
	}

	payload := make(ringbuffer.Payload, len(s.attributes)+17)
	for key, value := range s.attributes {
		payload[key] = ringbuffer.String(value)
	}
	payload[KeyEvent] = ringbuffer.String(kind)
	payload[KeySite] = ringbuffer.String(sensor.config.Site)
	payload[KeyApp] = ringbuffer.String(sensor.config.App)
	payload[KeyUID] = ringbuffer.String(s.uid)
	payload[KeyPosition] = ringbuffer.Int(int64(position))
	payload[KeyDuration] = ringbuffer.Int(int64(latched))
	payload[KeyVideoWidth] = ringbuffer.Int(int64(width))
	payload[KeyVideoHeight] = ringbuffer.Int(int64(height))
	payload[KeyPlayerName] = ringbuffer.String(meta.PlayerName)
	payload[KeyPlayerVersion] = ringbuffer.String(meta.PlayerVersion)
	payload[KeyScreenWidth] = ringbuffer.Int(int64(meta.ScreenWidth))
	payload[KeyScreenHeight] = ringbuffer.Int(int64(meta.ScreenHeight))
	payload[KeyPlayStates] = ringbuffer.String(states)
	payload[KeyDeviceID] = ringbuffer.String(sensor.identity.Set().PrimaryValue())
	payload[KeyOS] = ringbuffer.String(runtime.GOOS + "/" + runtime.GOARCH)
	payload[KeySensorVersion] = ringbuffer.String(version.Version)
	if sensor.debug.Load() {
		payload[KeyDebug] = ringbuffer.Int(1)
	}
	sensor.enqueue(payload)
}

// trackPosition extends the current play range when position follows
// on from the last sample, and opens a new range after a seek.
func (s *Session) trackPosition(position int, now time.Time) {
	if position < 0 {
		position = 0
	}
	if len(s.playStates) == 0 {
		s.playStates = append(s.playStates, playRange{start: position, end: position})
		s.lastSample = now
		return
	}

	elapsed := int(now.Sub(s.lastSample).Round(time.Second) / time.Second)
	s.lastSample = now
	current := &s.playStates[len(s.playStates)-1]
	advance := position - current.end
	if advance >= 0 && advance <= elapsed+playTolerance {
		current.end = position
		return
	}

	s.playStates = append(s.playStates, playRange{start: position, end: position})
	if len(s.playStates) > maxPlayStates {
		merged := playRange{
			start: min(s.playStates[0].start, s.playStates[1].start),
			end:   max(s.playStates[0].end, s.playStates[1].end),
		}
		s.playStates[1] = merged
		s.playStates = s.playStates[1:]
	}
}

// formatPlayStates renders ranges as "start+length" pairs joined by
// ";", oldest first.
func formatPlayStates(ranges []playRange) string {
	var builder strings.Builder
	for index, span := range ranges {
		if index > 0 {
			builder.WriteByte(';')
		}
		builder.WriteString(strconv.Itoa(span.start))
		builder.WriteByte('+')
		builder.WriteString(strconv.Itoa(span.end - span.start))
	}
	return builder.String()
}
