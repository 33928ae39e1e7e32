// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"encoding/base64"
	"strings"
	"testing"
)

func generate(t *testing.T) *Keypair {
	t.Helper()
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair
}

func TestGenerateKeypair(t *testing.T) {
	keypair := generate(t)
	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Error("private key lacks AGE-SECRET-KEY-1 prefix")
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want age1 prefix", keypair.PublicKey)
	}
}

func TestSealOpenMultipleRecipients(t *testing.T) {
	first := generate(t)
	second := generate(t)
	plaintext := []byte(`{"mid":"0011","ifv":"2233"}`)

	envelope, err := Seal(plaintext, first.PublicKey, second.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(envelope); err != nil {
		t.Fatalf("envelope is not base64: %v", err)
	}

	for _, keypair := range []*Keypair{first, second} {
		opened, err := Open(envelope, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got := opened.String(); got != string(plaintext) {
			t.Errorf("Open = %q, want %q", got, plaintext)
		}
		opened.Close()
	}
}

func TestOpenWrongKey(t *testing.T) {
	owner := generate(t)
	stranger := generate(t)

	envelope, err := Seal([]byte("x"), owner.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(envelope, stranger.PrivateKey); err == nil {
		t.Fatal("Open with the wrong key succeeded")
	}
}

func TestSealRejectsBadRecipients(t *testing.T) {
	if _, err := Seal([]byte("x")); err == nil {
		t.Error("Seal without recipients succeeded")
	}
	if _, err := Seal([]byte("x"), "not-a-key"); err == nil {
		t.Error("Seal with a malformed recipient succeeded")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	keypair := generate(t)
	if _, err := Open("!!!not base64", keypair.PrivateKey); err == nil {
		t.Error("Open accepted invalid base64")
	}
	if _, err := Open(base64.StdEncoding.EncodeToString([]byte("plain")), keypair.PrivateKey); err == nil {
		t.Error("Open accepted a non-age payload")
	}
}
