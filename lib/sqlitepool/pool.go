// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrCorrupt is returned by [Pool.Check] when SQLite's integrity check
// reports damage.
var ErrCorrupt = errors.New("sqlitepool: database is corrupt")

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have defaults.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist. Use ":memory:" only with PoolSize 1, since
	// each in-memory connection is an independent database.
	Path string

	// PoolSize is the number of connections. Defaults to 2: the buffer
	// has one writer and at most one concurrent reader.
	PoolSize int

	// Durable selects synchronous=FULL instead of NORMAL.
	Durable bool

	// Schema is executed once per connection after the pragmas. It
	// must be idempotent (CREATE TABLE IF NOT EXISTS ...).
	Schema string

	// Logger receives open/close messages. If nil, a no-op logger is used.
	Logger *slog.Logger

	// OnConnect is called once per connection after Schema. If it
	// returns an error, the connection is discarded and the error is
	// returned to the caller of Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. It is safe for
// concurrent use; the connections it hands out are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. The database file is created if missing;
// connections are initialized lazily on first Take, so a damaged file
// surfaces as an error from Take or [Pool.Check] rather than from Open.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Debug("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"durable", cfg.Durable,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Path returns the database path the pool was opened with.
func (p *Pool) Path() string {
	return p.path
}

// Take borrows a connection. Blocks until one is available or ctx is
// cancelled. The caller must Put it back, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Immediate runs fn inside a BEGIN IMMEDIATE transaction on a pooled
// connection. The transaction commits if fn returns nil and rolls back
// otherwise, so every statement fn executes lands atomically or not at
// all.
func (p *Pool) Immediate(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// Check runs PRAGMA quick_check and returns an error wrapping ErrCorrupt
// if the database reports anything other than "ok". Errors opening the
// connection (including "file is not a database") are also reported as
// corruption, since both mean the stored contents cannot be trusted.
func (p *Pool) Check(ctx context.Context) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer p.Put(conn)

	var problems []string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA quick_check", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if result := stmt.ColumnText(0); result != "ok" {
				problems = append(problems, result)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(problems, "; "))
	}
	return nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned. After Close, Take returns an error.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, cfg Config) error {
	synchronous := "NORMAL"
	if cfg.Durable {
		synchronous = "FULL"
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=" + synchronous,
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-2048",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if cfg.Schema != "" {
		if err := sqlitex.ExecuteScript(conn, cfg.Schema, nil); err != nil {
			return fmt.Errorf("sqlitepool: applying schema: %w", err)
		}
	}

	if cfg.OnConnect != nil {
		if err := cfg.OnConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
