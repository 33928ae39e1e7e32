// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify is the sensor's debug sink: a fan-out of diagnostic
// events (request attempts, evictions, connectivity changes) to any
// number of subscribers. Publishing never blocks. A subscriber whose
// buffer is full misses events rather than stalling the delivery loop.
package notify

import (
	"sync"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	// KindRequest is published for every delivery attempt, successful
	// or not. Request and StatusCode describe the attempt.
	KindRequest Kind = "request"

	// KindDelivered is published when an event is acknowledged.
	KindDelivered Kind = "delivered"

	// KindPermanentFailure is published when an event exhausts its
	// delivery attempts and is evicted.
	KindPermanentFailure Kind = "permanent_failure"

	// KindDropped is published when the buffer evicts its oldest event
	// to make room.
	KindDropped Kind = "dropped"

	// KindPersistenceReset is published when stored buffer state could
	// not be read and was discarded.
	KindPersistenceReset Kind = "persistence_reset"

	// KindStorageFallback is published when durable storage is
	// unavailable and the buffer runs in memory only.
	KindStorageFallback Kind = "storage_fallback"

	// KindConnectivity is published when the online state changes.
	KindConnectivity Kind = "connectivity"

	// KindLifecycle is published for background and foreground
	// transitions.
	KindLifecycle Kind = "lifecycle"

	// KindTick is published after each delivery cycle completes.
	KindTick Kind = "tick"
)

// Event is one diagnostic notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	// Sequence is the buffer sequence number the event concerns.
	Sequence uint64

	// Request summarizes a delivery attempt ("POST https://...").
	Request string

	// StatusCode is the HTTP status of a delivery attempt, 0 when no
	// response was received.
	StatusCode int

	// Online is the new connectivity state for KindConnectivity.
	Online bool

	// Detail is free-form context: an error message, the lifecycle
	// transition name, the tick outcome.
	Detail string
}

// Sink fans events out to subscribers. The zero value is not usable;
// call NewSink. A nil *Sink accepts Publish calls and discards them.
type Sink struct {
	mutex       sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	now         func() time.Time
}

// NewSink creates an empty sink. now stamps events published without a
// Time; nil means time.Now.
func NewSink(now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{
		subscribers: make(map[int]chan Event),
		now:         now,
	}
}

// Subscribe registers a subscriber with the given channel buffer size
// and returns its channel and a cancel function. Cancel closes the
// channel and is safe to call more than once. Subscribing to a closed
// sink returns an already-closed channel.
func (s *Sink) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	channel := make(chan Event, buffer)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		close(channel)
		return channel, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subscribers[id] = channel

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			s.mutex.Lock()
			defer s.mutex.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
		})
	}
}

// Publish delivers event to every subscriber with room in its buffer.
func (s *Sink) Publish(event Event) {
	if s == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = s.now()
	}

	// Sends happen under the lock so cancel cannot close a channel
	// mid-send. They never block, so the hold is short.
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, subscriber := range s.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Sink) Subscribers() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.subscribers)
}

// Close closes every subscriber channel. Later Publish calls are
// discarded and later Subscribe calls get a closed channel. Idempotent.
func (s *Sink) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, subscriber := range s.subscribers {
		delete(s.subscribers, id)
		close(subscriber)
	}
}
