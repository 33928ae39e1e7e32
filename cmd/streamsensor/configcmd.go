// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
)

func configCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "config",
		Summary: "Print the effective configuration as YAML",
		Description: `Print the configuration after applying the config file, STREAMSENSOR_*
environment variables and flags, in that order of increasing priority.`,
		Flags: func() *pflag.FlagSet {
			return newFlagSet("config")
		},
		Run: func(flags *pflag.FlagSet, _ []string) error {
			cfg, err := cli.LoadConfig(flags)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}
}
