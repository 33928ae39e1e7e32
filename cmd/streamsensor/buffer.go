// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
	"github.com/bureau-foundation/streamsensor/lib/identity"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
)

func bufferCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "buffer",
		Summary: "Inspect or clear a buffer database",
		Description: `Print the length, sequence state and oldest events of the buffer
database at --storage (or sensor.storage_path). --clear discards every
buffered event. The database must not be open in a running sensor.`,
		Flags: func() *pflag.FlagSet {
			flags := newFlagSet("buffer")
			flags.Int("limit", 10, "number of events to print")
			flags.Bool("clear", false, "discard every buffered event")
			return flags
		},
		Run: func(flags *pflag.FlagSet, _ []string) error {
			limit, _ := flags.GetInt("limit")
			clearBuffer, _ := flags.GetBool("clear")

			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			path := env.config.Sensor.StoragePath
			if path == "" {
				return fmt.Errorf("no buffer database: set --storage or sensor.storage_path")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("buffer database: %w", err)
			}
			store, err := ringbuffer.OpenSQLiteStore(ringbuffer.SQLiteConfig{Path: path, Logger: env.logger})
			if err != nil {
				if errors.Is(err, ringbuffer.ErrLocked) {
					return fmt.Errorf("%s is in use by a running sensor", path)
				}
				return err
			}

			ctx := context.Background()
			buffer, err := ringbuffer.Open(ctx, ringbuffer.Config{
				Capacity: env.config.Sensor.BufferCapacity,
				Store:    store,
				Logger:   env.logger,
			})
			if err != nil {
				store.Close()
				return err
			}
			defer buffer.Close()

			if clearBuffer {
				pending := buffer.Len()
				if err := buffer.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "cleared %d events\n", pending)
				return nil
			}
			printBuffer(stdout, buffer, limit)
			return nil
		},
	}
}

func printBuffer(stdout io.Writer, buffer *ringbuffer.Buffer, limit int) {
	fmt.Fprintf(stdout, "events: %d/%d\n", buffer.Len(), buffer.Capacity())
	fmt.Fprintf(stdout, "last sequence: %d\n", buffer.LastSequence())
	if limit <= 0 {
		return
	}
	for _, event := range buffer.PeekBatch(limit) {
		rendered := event.Payload.Strings()
		fields := make([]string, 0, len(rendered))
		for _, key := range identity.Keys(rendered) {
			fields = append(fields, key+"="+rendered[key])
		}
		fmt.Fprintf(stdout, "%6d  %s  attempts=%d  %s\n",
			event.Sequence,
			event.CreatedAt.UTC().Format(time.RFC3339),
			event.Attempts,
			strings.Join(fields, " "),
		)
	}
}
