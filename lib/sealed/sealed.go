// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/streamsensor/lib/secret"
)

// maxPlaintextSize bounds Open. Identifier exports are a few hundred bytes.
const maxPlaintextSize = 1 << 20

// Keypair is an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is safe to publish.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new keypair. The caller must Close it.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// ParseRecipients parses age1... public keys. At least one is required.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// Seal encrypts plaintext to every recipient and returns the base64
// envelope.
func Seal(plaintext []byte, recipientKeys ...string) (string, error) {
	recipients, err := ParseRecipients(recipientKeys)
	if err != nil {
		return "", err
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Open decrypts an envelope with the private key. The key is borrowed,
// not closed. The caller must Close the returned buffer.
func Open(envelope string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding envelope: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxPlaintextSize))
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: envelope is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}
