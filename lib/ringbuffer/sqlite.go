// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/streamsensor/lib/codec"
	"github.com/bureau-foundation/streamsensor/lib/compress"
	"github.com/bureau-foundation/streamsensor/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	sequence   INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	encoding   INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	payload    BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const metaLastSequence = "last_sequence"

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. Its directory must exist. The lock
	// file is Path + ".lock".
	Path string

	// Compression is applied to stored payloads. Zero means LZ4.
	Compression compress.Tag

	// Durable selects synchronous=FULL.
	Durable bool

	Logger *slog.Logger
}

// SQLiteStore persists buffer state in SQLite.
type SQLiteStore struct {
	config SQLiteConfig
	logger *slog.Logger
	lock   *fileLock

	mutex  sync.Mutex
	pool   *sqlitepool.Pool
	closed bool

	// recreated is set when the database had to be replaced at open
	// time. The next Load reports ErrCorrupt once so the buffer
	// announces the reset.
	recreated bool
}

// OpenSQLiteStore takes the lock file and opens the database. It
// returns an error wrapping ErrLocked when another process owns the
// buffer.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ringbuffer: SQLite path is required")
	}
	if cfg.Compression == compress.None {
		cfg.Compression = compress.LZ4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	lock, err := acquireLock(cfg.Path + ".lock")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{config: cfg, logger: logger, lock: lock}
	if err := store.openPool(); err != nil {
		if _, statErr := os.Stat(cfg.Path); statErr != nil {
			lock.release()
			return nil, err
		}
		logger.Warn("buffer database unreadable, recreating it",
			"path", cfg.Path,
			"error", err,
		)
		if err := store.removeFiles(); err != nil {
			lock.release()
			return nil, err
		}
		if err := store.openPool(); err != nil {
			lock.release()
			return nil, err
		}
		store.recreated = true
	}
	return store, nil
}

func (s *SQLiteStore) openPool() error {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:    s.config.Path,
		Durable: s.config.Durable,
		Schema:  schema,
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("ringbuffer: %w", err)
	}
	s.pool = pool
	return nil
}

func (s *SQLiteStore) currentPool() *sqlitepool.Pool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pool
}

// Load reads every event in sequence order. A database that fails its
// integrity check, or a row whose payload does not decode, returns an
// error wrapping ErrCorrupt.
func (s *SQLiteStore) Load(ctx context.Context) ([]Event, uint64, error) {
	s.mutex.Lock()
	pool, recreated := s.pool, s.recreated
	s.recreated = false
	s.mutex.Unlock()
	if recreated {
		return nil, 0, fmt.Errorf("%w: database %s was replaced", ErrCorrupt, s.config.Path)
	}
	if err := pool.Check(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("ringbuffer: load: %w", err)
	}
	defer pool.Put(conn)

	var lastSequence uint64
	err = sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{metaLastSequence},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			lastSequence = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("ringbuffer: reading last sequence: %w", err)
	}

	var events []Event
	err = sqlitex.Execute(conn,
		"SELECT sequence, created_at, attempts, encoding, size, payload FROM events ORDER BY sequence",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event, err := scanEvent(stmt)
				if err != nil {
					return err
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("ringbuffer: reading events: %w", err)
	}
	return events, lastSequence, nil
}

func scanEvent(stmt *sqlite.Stmt) (Event, error) {
	sequence := uint64(stmt.ColumnInt64(0))
	blob := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, blob)

	data, err := compress.Decompress(blob, compress.Tag(stmt.ColumnInt(3)), stmt.ColumnInt(4))
	if err != nil {
		return Event{}, fmt.Errorf("%w: event %d: %v", ErrCorrupt, sequence, err)
	}
	var payload Payload
	if err := codec.Unmarshal(data, &payload); err != nil {
		return Event{}, fmt.Errorf("%w: event %d: %v", ErrCorrupt, sequence, err)
	}
	return Event{
		Sequence:  sequence,
		Payload:   payload,
		CreatedAt: time.Unix(0, stmt.ColumnInt64(1)),
		Attempts:  stmt.ColumnInt(2),
	}, nil
}

// Apply commits a batch in one IMMEDIATE transaction.
func (s *SQLiteStore) Apply(ctx context.Context, batch Batch) error {
	if batch.empty() {
		return nil
	}

	// Encode before taking the write lock.
	type encodedEvent struct {
		event    Event
		encoding compress.Tag
		size     int
		blob     []byte
	}
	encoded := make([]encodedEvent, 0, len(batch.Append))
	for _, event := range batch.Append {
		data, err := codec.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("ringbuffer: encoding event %d: %w", event.Sequence, err)
		}
		blob, tag, err := compress.Compress(data, s.config.Compression)
		if err != nil {
			return fmt.Errorf("ringbuffer: compressing event %d: %w", event.Sequence, err)
		}
		encoded = append(encoded, encodedEvent{event: event, encoding: tag, size: len(data), blob: blob})
	}

	return s.currentPool().Immediate(ctx, func(conn *sqlite.Conn) error {
		for _, sequence := range batch.Delete {
			err := sqlitex.Execute(conn, "DELETE FROM events WHERE sequence = ?", &sqlitex.ExecOptions{
				Args: []any{int64(sequence)},
			})
			if err != nil {
				return fmt.Errorf("ringbuffer: deleting event %d: %w", sequence, err)
			}
		}
		for _, update := range batch.Update {
			err := sqlitex.Execute(conn, "UPDATE events SET attempts = ? WHERE sequence = ?", &sqlitex.ExecOptions{
				Args: []any{update.Attempts, int64(update.Sequence)},
			})
			if err != nil {
				return fmt.Errorf("ringbuffer: updating event %d: %w", update.Sequence, err)
			}
		}
		for _, item := range encoded {
			err := sqlitex.Execute(conn,
				"INSERT INTO events (sequence, created_at, attempts, encoding, size, payload) VALUES (?, ?, ?, ?, ?, ?)",
				&sqlitex.ExecOptions{
					Args: []any{
						int64(item.event.Sequence),
						item.event.CreatedAt.UnixNano(),
						item.event.Attempts,
						int(item.encoding),
						item.size,
						item.blob,
					},
				})
			if err != nil {
				return fmt.Errorf("ringbuffer: inserting event %d: %w", item.event.Sequence, err)
			}
		}
		if batch.LastSequence > 0 {
			err := sqlitex.Execute(conn,
				`INSERT INTO meta (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
				&sqlitex.ExecOptions{
					Args: []any{metaLastSequence, int64(batch.LastSequence)},
				})
			if err != nil {
				return fmt.Errorf("ringbuffer: recording last sequence: %w", err)
			}
		}
		return nil
	})
}

// Clear deletes every event. When the database itself is unusable the
// files are removed and recreated, which also forgets the last
// sequence.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	err := s.currentPool().Immediate(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "DELETE FROM events", nil)
	})
	if err == nil {
		return nil
	}

	s.logger.Warn("clearing buffer database failed, recreating it",
		"path", s.config.Path,
		"error", err,
	)
	return s.recreate()
}

func (s *SQLiteStore) recreate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.pool.Close(); err != nil {
		s.logger.Warn("closing damaged buffer database", "error", err)
	}
	if err := s.removeFiles(); err != nil {
		return err
	}
	return s.openPool()
}

func (s *SQLiteStore) removeFiles() error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.config.Path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ringbuffer: removing %s: %w", s.config.Path+suffix, err)
		}
	}
	return nil
}

// Close closes the database and releases the lock file. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	poolErr := s.pool.Close()
	lockErr := s.lock.release()
	return errors.Join(poolErr, lockErr)
}
