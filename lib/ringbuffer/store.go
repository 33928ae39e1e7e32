// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrCorrupt is returned (wrapped) by Store.Load when stored state
// cannot be decoded.
var ErrCorrupt = errors.New("ringbuffer: stored state is corrupt")

// Event is one buffered measurement event.
type Event struct {
	// Sequence is assigned at enqueue and strictly increases.
	Sequence uint64

	Payload   Payload
	CreatedAt time.Time

	// Attempts counts failed delivery attempts.
	Attempts int
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Payload = e.Payload.Clone()
	return e
}

// Batch is one atomic store mutation.
type Batch struct {
	// Append adds events at the tail, in order.
	Append []Event

	// Delete removes events by sequence.
	Delete []uint64

	// Update replaces the Attempts of existing events.
	Update []Event

	// LastSequence, when non-zero, records the highest sequence ever
	// assigned.
	LastSequence uint64
}

func (b Batch) empty() bool {
	return len(b.Append) == 0 && len(b.Delete) == 0 && len(b.Update) == 0 && b.LastSequence == 0
}

// Store persists buffer state. Implementations apply each Batch
// atomically: after a crash either every part of it is visible or none.
type Store interface {
	// Load returns the stored events in sequence order and the highest
	// sequence ever assigned. Undecodable state returns an error
	// wrapping ErrCorrupt.
	Load(ctx context.Context) ([]Event, uint64, error)

	// Apply commits a batch.
	Apply(ctx context.Context, batch Batch) error

	// Clear removes every event. The recorded last sequence is kept
	// when the store is still readable.
	Clear(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// MemoryStore keeps buffer state in process memory. State survives
// Close, so tests can reopen a Buffer on the same store to simulate a
// restart.
type MemoryStore struct {
	mutex        sync.Mutex
	events       []Event
	lastSequence uint64
	applies      int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns copies of the stored events.
func (s *MemoryStore) Load(context.Context) ([]Event, uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	events := make([]Event, len(s.events))
	for i, event := range s.events {
		events[i] = event.Clone()
	}
	return events, s.lastSequence, nil
}

// Apply commits a batch.
func (s *MemoryStore) Apply(_ context.Context, batch Batch) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.applies++

	if len(batch.Delete) > 0 {
		s.events = slices.DeleteFunc(s.events, func(event Event) bool {
			return slices.Contains(batch.Delete, event.Sequence)
		})
	}
	for _, update := range batch.Update {
		for i := range s.events {
			if s.events[i].Sequence == update.Sequence {
				s.events[i].Attempts = update.Attempts
			}
		}
	}
	for _, event := range batch.Append {
		s.events = append(s.events, event.Clone())
	}
	if batch.LastSequence > s.lastSequence {
		s.lastSequence = batch.LastSequence
	}
	return nil
}

// Clear removes every event.
func (s *MemoryStore) Clear(context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = nil
	return nil
}

// Close is a no-op; state is retained.
func (s *MemoryStore) Close() error {
	return nil
}

// Applies returns the number of batches committed, for tests that
// check no-op operations skip the store.
func (s *MemoryStore) Applies() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.applies
}
