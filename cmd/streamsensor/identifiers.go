// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
	"github.com/bureau-foundation/streamsensor/lib/identity"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/sealed"
	"github.com/bureau-foundation/streamsensor/lib/secret"
)

// maxEnvelopeSize bounds an envelope read from stdin.
const maxEnvelopeSize = 1 << 20

func identifiersCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "identifiers",
		Summary: "Print this device's hashed identifiers",
		Description: `Print the hashed device identifiers (mid, ai, ifv). With --recipient
the identifiers are sealed to the given age recipients instead. With
--identity an envelope is read from the argument or stdin and opened
with the age identity in that file.`,
		Usage: "streamsensor identifiers [--recipient age1...] [--identity FILE [ENVELOPE]]",
		Examples: []cli.Example{
			{
				Description: "Seal the identifiers for a support engineer",
				Command:     "streamsensor identifiers --recipient age1...",
			},
			{
				Description: "Open an envelope received from a device",
				Command:     "streamsensor identifiers --identity support.key < envelope.txt",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := newFlagSet("identifiers")
			flags.StringSlice("recipient", nil, "age recipient to seal the identifiers to (repeatable)")
			flags.String("identity", "", "age identity file used to open an envelope")
			flags.String("advertising-id", "", "advertising identifier to include")
			return flags
		},
		Run: func(flags *pflag.FlagSet, args []string) error {
			recipients, _ := flags.GetStringSlice("recipient")
			identityPath, _ := flags.GetString("identity")
			advertisingID, _ := flags.GetString("advertising-id")

			if identityPath != "" {
				return openEnvelope(stdout, identityPath, args)
			}
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}

			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg, err := env.sensorConfig()
			if err != nil {
				return err
			}
			if advertisingID != "" {
				cfg.AdvertisingID = advertisingID
				cfg.AdvertisingIDEnabled = true
			}
			provider, err := identity.NewProvider(identity.Config{
				Site:                 cfg.Site,
				StateDir:             cfg.StateDir,
				AdvertisingID:        cfg.AdvertisingID,
				AdvertisingIDEnabled: cfg.AdvertisingIDEnabled,
				Logger:               env.logger,
			})
			if err != nil {
				return err
			}

			if len(recipients) > 0 {
				envelope, err := provider.Sealed(recipients...)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, envelope)
				return nil
			}
			printIdentifiers(stdout, provider.EncryptedIdentifiers())
			return nil
		},
	}
}

func openEnvelope(stdout io.Writer, identityPath string, args []string) error {
	var envelope []byte
	switch len(args) {
	case 0:
		data, err := netutil.ReadBody(os.Stdin, maxEnvelopeSize)
		if err != nil {
			return fmt.Errorf("reading envelope from stdin: %w", err)
		}
		envelope = data
	case 1:
		envelope = []byte(args[0])
	default:
		return fmt.Errorf("expected at most one envelope argument, got %d", len(args))
	}

	privateKey, err := secret.ReadFromPath(identityPath)
	if err != nil {
		return err
	}
	defer privateKey.Close()

	hashed, err := identity.OpenSealed(string(bytes.TrimSpace(envelope)), privateKey)
	if err != nil {
		return err
	}
	printIdentifiers(stdout, hashed)
	return nil
}

func printIdentifiers(stdout io.Writer, hashed map[string]string) {
	for _, key := range identity.Keys(hashed) {
		fmt.Fprintf(stdout, "%s=%s\n", key, hashed[key])
	}
}

func keygenCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an age keypair for sealed identifier export",
		Description: `Write a new age identity to --output (mode 0600) and print its
public recipient, for use with 'identifiers --recipient'.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flags.StringP("output", "o", "", "file the private identity is written to (required)")
			return flags
		},
		Run: func(flags *pflag.FlagSet, _ []string) error {
			output, _ := flags.GetString("output")
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()

			file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("creating identity file: %w", err)
			}
			_, writeErr := file.Write(keypair.PrivateKey.Bytes())
			if writeErr == nil {
				_, writeErr = file.Write([]byte{'\n'})
			}
			if err := file.Close(); err != nil && writeErr == nil {
				writeErr = err
			}
			if writeErr != nil {
				return fmt.Errorf("writing identity file: %w", writeErr)
			}
			fmt.Fprintln(stdout, keypair.PublicKey)
			return nil
		},
	}
}
