// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/streamsensor/lib/clock"
	"github.com/bureau-foundation/streamsensor/lib/notify"
)

// DefaultCapacity is the buffer size used when Config.Capacity is zero.
const DefaultCapacity = 500

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("ringbuffer: buffer is closed")

// Config configures a Buffer.
type Config struct {
	// Capacity bounds the number of events. Zero means DefaultCapacity.
	Capacity int

	// Store persists state. Nil means a fresh MemoryStore.
	Store Store

	// Clock stamps CreatedAt. Nil means the real clock.
	Clock clock.Clock

	// Sink receives KindDropped and KindPersistenceReset. May be nil.
	Sink *notify.Sink

	// Logger receives eviction and reset messages. Nil discards.
	Logger *slog.Logger
}

// Buffer is a bounded FIFO of events backed by a Store. Safe for
// concurrent use. The mutex covers the in-memory slice and the store
// commit that mirrors it; no network I/O happens under it.
type Buffer struct {
	capacity int
	store    Store
	clock    clock.Clock
	sink     *notify.Sink
	logger   *slog.Logger
	notify   chan struct{}

	mutex        sync.Mutex
	events       []Event
	lastSequence uint64
	dropped      uint64
	closed       bool
}

// Open loads the store and returns a ready Buffer. Stored state that
// fails to decode is cleared and reported as KindPersistenceReset.
// Stored events beyond Capacity (after a capacity reduction) are
// evicted oldest first.
func Open(ctx context.Context, cfg Config) (*Buffer, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 {
		return nil, fmt.Errorf("ringbuffer: capacity must be positive, got %d", capacity)
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	buffer := &Buffer{
		capacity: capacity,
		store:    store,
		clock:    clk,
		sink:     cfg.Sink,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}

	events, lastSequence, err := store.Load(ctx)
	if errors.Is(err, ErrCorrupt) {
		logger.Warn("buffer state unreadable, starting empty", "error", err)
		if clearErr := store.Clear(ctx); clearErr != nil {
			return nil, fmt.Errorf("ringbuffer: resetting corrupt store: %w", clearErr)
		}
		buffer.sink.Publish(notify.Event{Kind: notify.KindPersistenceReset, Detail: err.Error()})
		// A cleared store may still remember its last sequence.
		events, lastSequence, err = store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("ringbuffer: loading reset store: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("ringbuffer: loading store: %w", err)
	}

	for _, event := range events {
		if event.Sequence > lastSequence {
			lastSequence = event.Sequence
		}
	}
	buffer.events = events
	buffer.lastSequence = lastSequence

	if excess := len(events) - capacity; excess > 0 {
		batch := Batch{}
		for _, event := range events[:excess] {
			batch.Delete = append(batch.Delete, event.Sequence)
		}
		if err := store.Apply(ctx, batch); err != nil {
			return nil, fmt.Errorf("ringbuffer: trimming to capacity: %w", err)
		}
		buffer.events = slices.Clone(events[excess:])
		buffer.dropped += uint64(excess)
		logger.Info("trimmed stored events to capacity",
			"capacity", capacity,
			"evicted", excess,
		)
	}

	if len(buffer.events) > 0 {
		buffer.signal()
		logger.Debug("buffer restored",
			"events", len(buffer.events),
			"last_sequence", buffer.lastSequence,
		)
	}
	return buffer, nil
}

// Enqueue appends payload as a new event. On a full buffer the oldest
// event is evicted in the same commit. Returns a copy of the new event.
func (b *Buffer) Enqueue(ctx context.Context, payload Payload) (Event, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return Event{}, ErrClosed
	}

	event := Event{
		Sequence:  b.lastSequence + 1,
		Payload:   payload.Clone(),
		CreatedAt: b.clock.Now(),
	}
	batch := Batch{
		Append:       []Event{event},
		LastSequence: event.Sequence,
	}
	var evicted *Event
	if len(b.events) >= b.capacity {
		oldest := b.events[0]
		evicted = &oldest
		batch.Delete = []uint64{oldest.Sequence}
	}

	if err := b.store.Apply(ctx, batch); err != nil {
		return Event{}, fmt.Errorf("ringbuffer: enqueue: %w", err)
	}

	if evicted != nil {
		b.events[0] = Event{}
		b.events = b.events[1:]
		b.dropped++
		b.logger.Debug("buffer full, evicted oldest event",
			"sequence", evicted.Sequence,
			"capacity", b.capacity,
		)
		b.sink.Publish(notify.Event{Kind: notify.KindDropped, Sequence: evicted.Sequence})
	}
	b.events = append(b.events, event)
	b.lastSequence = event.Sequence
	b.signal()
	return event.Clone(), nil
}

// PeekBatch returns copies of up to max of the earliest events. max <= 0
// returns every event.
func (b *Buffer) PeekBatch(max int) []Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	count := len(b.events)
	if max > 0 && max < count {
		count = max
	}
	batch := make([]Event, count)
	for i := range count {
		batch[i] = b.events[i].Clone()
	}
	return batch
}

// Acknowledge removes the named events. Sequences not in the buffer
// are ignored; when none match, the store is not touched.
func (b *Buffer) Acknowledge(ctx context.Context, sequences ...uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return ErrClosed
	}

	var present []uint64
	for _, sequence := range sequences {
		if b.indexOf(sequence) >= 0 && !slices.Contains(present, sequence) {
			present = append(present, sequence)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := b.store.Apply(ctx, Batch{Delete: present}); err != nil {
		return fmt.Errorf("ringbuffer: acknowledge: %w", err)
	}
	b.events = slices.DeleteFunc(b.events, func(event Event) bool {
		return slices.Contains(present, event.Sequence)
	})
	return nil
}

// RecordFailure counts a failed delivery attempt. When the event's
// attempts reach maxAttempts it is evicted and evicted is true.
// maxAttempts <= 0 never evicts. An unknown sequence is a no-op.
func (b *Buffer) RecordFailure(ctx context.Context, sequence uint64, maxAttempts int) (evicted bool, err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return false, ErrClosed
	}

	index := b.indexOf(sequence)
	if index < 0 {
		return false, nil
	}
	updated := b.events[index]
	updated.Attempts++

	var batch Batch
	evicted = maxAttempts > 0 && updated.Attempts >= maxAttempts
	if evicted {
		batch.Delete = []uint64{sequence}
	} else {
		batch.Update = []Event{{Sequence: sequence, Attempts: updated.Attempts}}
	}
	if err := b.store.Apply(ctx, batch); err != nil {
		return false, fmt.Errorf("ringbuffer: record failure: %w", err)
	}

	if evicted {
		b.events = slices.Delete(b.events, index, index+1)
	} else {
		b.events[index].Attempts = updated.Attempts
	}
	return evicted, nil
}

// Clear removes every event.
func (b *Buffer) Clear(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.store.Clear(ctx); err != nil {
		return fmt.Errorf("ringbuffer: clear: %w", err)
	}
	b.events = nil
	return nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.events)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Dropped returns the number of events evicted to make room since Open.
func (b *Buffer) Dropped() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.dropped
}

// LastSequence returns the highest sequence assigned so far.
func (b *Buffer) LastSequence() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.lastSequence
}

// Notify returns a channel signalled (coalesced, capacity 1) when events
// are added.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

// Close closes the store. Later mutations return ErrClosed; reads keep
// returning the last in-memory state. Idempotent.
func (b *Buffer) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("ringbuffer: closing store: %w", err)
	}
	return nil
}

func (b *Buffer) indexOf(sequence uint64) int {
	for i := range b.events {
		if b.events[i].Sequence == sequence {
			return i
		}
	}
	return -1
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
