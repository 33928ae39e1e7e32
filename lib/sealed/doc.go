// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts identifier exports to age x25519 recipients.
//
// An envelope is the base64 encoding of an age ciphertext, so it can be
// pasted into a ticket or printed by the CLI. Decrypted plaintext and
// private keys are returned as lib/secret buffers.
package sealed
