// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bureau-foundation/streamsensor/lib/config"
)

// NewLogger builds the process logger from cfg. With a log file, JSON
// records go to a rotating writer. Otherwise stderr gets text when it
// is a terminal and JSON when it is piped. The returned LevelVar
// starts at cfg.Level; the sensor lowers it in debug mode. Close the
// returned closer on exit.
func NewLogger(cfg config.LogConfig) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	return newLogger(cfg, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLogger(cfg config.LogConfig, stderr io.Writer, terminal bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	options := &slog.HandlerOptions{Level: level}

	if cfg.File != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		return slog.New(slog.NewJSONHandler(writer, options)), level, writer, nil
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(stderr, options)
	case "json":
		handler = slog.NewJSONHandler(stderr, options)
	default:
		if terminal {
			handler = slog.NewTextHandler(stderr, options)
		} else {
			handler = slog.NewJSONHandler(stderr, options)
		}
	}
	return slog.New(handler), level, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
