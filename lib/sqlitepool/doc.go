// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the small SQLite connection pool behind the
// sensor's durable event buffer.
//
// It wraps zombiezen.com/go/sqlite with defaults suited to a client-side
// queue: WAL journal mode, a busy timeout so a second connection waits
// instead of failing, and a configurable synchronous level. Callers
// [Pool.Take] a connection, perform work, and [Pool.Put] it back.
// Connections are not safe for concurrent use; each goroutine holds its
// own for the duration of its work.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=NORMAL (default) or FULL (Config.Durable): NORMAL
//     survives process termination, FULL also survives power loss at the
//     cost of an fsync per commit.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock.
//   - cache_size=-2048: 2 MB page cache per connection.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(dir, "events.db"),
//	    Schema: schema,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Immediate(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM events WHERE seq = ?",
//	        &sqlitex.ExecOptions{Args: []any{seq}})
//	})
//
// Statements are plain SQL through sqlitex.Execute. The package only
// standardizes pragmas, schema application, and the transaction helper.
package sqlitepool
