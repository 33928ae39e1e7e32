// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/streamsensor/lib/notify"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STREAMSENSOR_CONFIG", "")
	var stdout bytes.Buffer
	err := root(&stdout).Execute(args)
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	output, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.Contains(output, version.Version) {
		t.Errorf("output %q lacks the version", output)
	}
}

func TestConfigCommand(t *testing.T) {
	output, err := execute(t, "config", "--site", "flag-site", "--log-format", "json")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"site: flag-site", "format: json", "buffer_capacity: 500"} {
		if !strings.Contains(output, want) {
			t.Errorf("config output lacks %q:\n%s", want, output)
		}
	}
}

func TestIdentifiersSealRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "support.key")
	stateDir := filepath.Join(dir, "state")

	recipient, err := execute(t, "keygen", "--output", keyPath)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	recipient = strings.TrimSpace(recipient)
	if !strings.HasPrefix(recipient, "age1") {
		t.Fatalf("keygen printed %q, want an age recipient", recipient)
	}
	if _, err := execute(t, "keygen", "--output", keyPath); err == nil {
		t.Error("keygen overwrote an existing identity file")
	}

	plain, err := execute(t, "identifiers", "--state-dir", stateDir, "--log-format", "json")
	if err != nil {
		t.Fatalf("identifiers: %v", err)
	}
	if !strings.Contains(plain, "ifv=") || !strings.Contains(plain, "mid=") {
		t.Fatalf("identifiers output = %q", plain)
	}

	envelope, err := execute(t, "identifiers", "--state-dir", stateDir, "--log-format", "json", "--recipient", recipient)
	if err != nil {
		t.Fatalf("identifiers --recipient: %v", err)
	}
	opened, err := execute(t, "identifiers", "--identity", keyPath, strings.TrimSpace(envelope))
	if err != nil {
		t.Fatalf("identifiers --identity: %v", err)
	}
	if opened != plain {
		t.Errorf("opened envelope = %q, want %q", opened, plain)
	}
}

func TestBufferCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := ringbuffer.OpenSQLiteStore(ringbuffer.SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	buffer, err := ringbuffer.Open(context.Background(), ringbuffer.Config{Store: store})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, kind := range []string{"start", "sample", "stop"} {
		if _, err := buffer.Enqueue(context.Background(), ringbuffer.Payload{"ev": ringbuffer.String(kind)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	output, err := execute(t, "buffer", "--storage", path, "--log-format", "json", "--limit", "2")
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if !strings.Contains(output, "events: 3/500") || !strings.Contains(output, "last sequence: 3") {
		t.Errorf("buffer output:\n%s", output)
	}
	if !strings.Contains(output, "ev=sample") || strings.Contains(output, "ev=stop") {
		t.Errorf("--limit 2 not honored:\n%s", output)
	}

	output, err = execute(t, "buffer", "--storage", path, "--log-format", "json", "--clear")
	if err != nil || !strings.Contains(output, "cleared 3 events") {
		t.Fatalf("buffer --clear = %q, %v", output, err)
	}
	output, err = execute(t, "buffer", "--storage", path, "--log-format", "json")
	if err != nil || !strings.Contains(output, "events: 0/500") {
		t.Fatalf("buffer after clear = %q, %v", output, err)
	}

	if _, err := execute(t, "buffer", "--storage", filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Error("expected an error for a missing database")
	}
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	tests := []struct {
		event notify.Event
		want  []string
	}{
		{
			notify.Event{Kind: notify.KindDelivered, Time: at, Sequence: 7, Request: "POST http://collector/v1/events", StatusCode: 204},
			[]string{"12:00:05", "delivered", "seq=7", "POST http://collector/v1/events", "status=204"},
		},
		{
			notify.Event{Kind: notify.KindConnectivity, Time: at, Online: false, Detail: "probe"},
			[]string{"connectivity", "online=false", "probe"},
		},
	}
	for _, test := range tests {
		line := formatEvent(test.event)
		for _, want := range test.want {
			if !strings.Contains(line, want) {
				t.Errorf("formatEvent = %q, missing %q", line, want)
			}
		}
	}
}

func TestSimulatedPlayerPauses(t *testing.T) {
	player := newSimulatedPlayer(10)
	player.started = time.Now().Add(-3 * time.Second)
	player.pause()
	paused := player.GetPosition()
	if paused != 3 {
		t.Fatalf("position after pause = %d, want 3", paused)
	}
	time.Sleep(10 * time.Millisecond)
	if player.GetPosition() != paused {
		t.Error("position advanced while paused")
	}

	player.resume()
	player.started = time.Now().Add(-time.Minute)
	if got := player.GetPosition(); got != 10 {
		t.Errorf("position = %d, want clamped to the length", got)
	}
}
