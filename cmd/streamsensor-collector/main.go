// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Streamsensor-collector is a mock collector for manual and automated
// testing of the sensor's delivery path. It accepts the transport's
// CBOR envelopes (optionally zstd-compressed) on any path, counts and
// logs them, and can inject failures:
//
//   - --fail-rate answers that fraction of requests with --status
//   - GET /status reports counters as JSON
//
// Pointing a demo sensor at it and killing it mid-run exercises the
// offline buffering and retry behavior end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("streamsensor-collector", pflag.ContinueOnError)
	flags.String("config", "", "config file; the collector section is used")
	flags.String(cli.FlagLogLevel, "", "log level: debug, info, warn or error")
	flags.String(cli.FlagLogFormat, "", "log format: auto, text or json")
	flags.String(cli.FlagLogFile, "", "write JSON logs to this rotating file instead of stderr")
	flags.String("listen", "", "address to listen on")
	flags.Float64("fail-rate", 0, "fraction of requests answered with --status, in [0, 1]")
	flags.Int("status", 0, "HTTP status used for injected failures")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("streamsensor-collector %s\n", version.Full())
		return nil
	}

	cfg, err := cli.LoadConfig(flags)
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Collector.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("fail-rate") {
		cfg.Collector.FailRate, _ = flags.GetFloat64("fail-rate")
	}
	if flags.Changed("status") {
		cfg.Collector.Status, _ = flags.GetInt("status")
	}
	if cfg.Collector.FailRate < 0 || cfg.Collector.FailRate > 1 {
		return fmt.Errorf("--fail-rate must be within [0, 1], got %v", cfg.Collector.FailRate)
	}
	if cfg.Collector.Status < 400 || cfg.Collector.Status > 599 {
		return fmt.Errorf("--status must be an HTTP error status, got %d", cfg.Collector.Status)
	}

	logger, _, closer, err := cli.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := newCollector(cfg.Collector.FailRate, cfg.Collector.Status, logger)
	listener, err := net.Listen("tcp", cfg.Collector.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Collector.Listen, err)
	}
	server := &http.Server{
		Handler:           collector,
		ReadHeaderTimeout: 10 * time.Second,
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	logger.Info("collector running",
		"address", listener.Addr().String(),
		"fail_rate", cfg.Collector.FailRate,
		"failure_status", cfg.Collector.Status,
	)

	select {
	case <-ctx.Done():
	case err := <-served:
		return err
	}
	logger.Info("shutting down")
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	stats := collector.stats()
	logger.Info("collector stopped",
		"received", stats.Received,
		"duplicates", stats.Duplicates,
		"rejected", stats.Rejected,
		"injected_failures", stats.InjectedFailures,
	)
	return nil
}
