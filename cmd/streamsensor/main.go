// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Streamsensor exercises the sensor library from the command line: a
// simulated playback against a collector, identifier export, buffer
// database inspection and configuration dumps.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
	"github.com/bureau-foundation/streamsensor/lib/config"
	"github.com/bureau-foundation/streamsensor/lib/sensor"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

const (
	defaultSite = "demo"
	defaultApp  = "streamsensor"
)

func main() {
	if err := root(os.Stdout).Execute(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "streamsensor",
		Summary: "Offline-tolerant streaming measurement sensor",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("streamsensor", pflag.ContinueOnError)
			flags.Bool("version", false, "print version information and exit")
			return flags
		},
		Subcommands: []*cli.Command{
			demoCommand(stdout),
			identifiersCommand(stdout),
			keygenCommand(stdout),
			bufferCommand(stdout),
			configCommand(stdout),
		},
		Run: func(flags *pflag.FlagSet, _ []string) error {
			if show, _ := flags.GetBool("version"); show {
				fmt.Fprintf(stdout, "streamsensor %s\n", version.Full())
				return nil
			}
			return fmt.Errorf("subcommand required\n\nRun 'streamsensor --help' for usage.")
		},
	}
}

// newFlagSet returns a flag set carrying the global flags.
func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cli.AddGlobalFlags(flags)
	return flags
}

// environment is what every command resolves before doing work.
type environment struct {
	config *config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

func setup(flags *pflag.FlagSet) (*environment, error) {
	cfg, err := cli.LoadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, level, closer, err := cli.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &environment{config: cfg, logger: logger, level: level, closer: closer}, nil
}

func (e *environment) Close() {
	e.closer.Close()
}

// sensorConfig converts the file's sensor section, filling in a demo
// site and app when none are configured.
func (e *environment) sensorConfig() (sensor.Config, error) {
	file := e.config.Sensor
	if file.Site == "" {
		file.Site = defaultSite
	}
	if file.App == "" {
		file.App = defaultApp
	}
	return sensor.ConfigFromFile(file)
}

// shutdownContext bounds exporter shutdown on exit.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
