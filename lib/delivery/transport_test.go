// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/streamsensor/lib/codec"
	"github.com/bureau-foundation/streamsensor/lib/compress"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type capturedRequest struct {
	protoMajor int
	header     http.Header
	envelope   Envelope
}

// collector decodes delivery requests the way a real collector would
// and answers with status.
func collector(t *testing.T, status int, captured chan<- capturedRequest) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		body, err := netutil.ReadBody(request.Body, 1<<20)
		if err != nil {
			t.Errorf("reading body: %v", err)
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if request.Header.Get("Content-Encoding") == "zstd" {
			body, err = compress.DecodeZstd(body, 1<<20)
			if err != nil {
				t.Errorf("decoding zstd body: %v", err)
				writer.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		var envelope Envelope
		if err := codec.Unmarshal(body, &envelope); err != nil {
			t.Errorf("decoding CBOR body: %v", err)
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		captured <- capturedRequest{protoMajor: request.ProtoMajor, header: request.Header.Clone(), envelope: envelope}
		writer.WriteHeader(status)
		if status >= 300 {
			writer.Write([]byte("collector unavailable"))
		}
	}
}

func testEvent() ringbuffer.Event {
	return ringbuffer.Event{
		Sequence:  42,
		CreatedAt: epoch,
		Attempts:  2,
		Payload: ringbuffer.Payload{
			"ev":   ringbuffer.String("sample"),
			"name": ringbuffer.String("Episode 1"),
			"pos":  ringbuffer.Int(1200),
		},
	}
}

func TestHTTPTransportSendsCBOR(t *testing.T) {
	for _, tag := range []compress.Tag{compress.None, compress.Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			captured := make(chan capturedRequest, 1)
			server := httptest.NewServer(collector(t, http.StatusNoContent, captured))
			defer server.Close()

			transport, err := NewHTTPTransport(HTTPConfig{Endpoint: server.URL + "/v1/events", Compression: tag})
			if err != nil {
				t.Fatalf("NewHTTPTransport: %v", err)
			}
			result, err := transport.Deliver(context.Background(), testEvent())
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if result.StatusCode != http.StatusNoContent {
				t.Errorf("StatusCode = %d, want 204", result.StatusCode)
			}
			if result.Request != "POST "+server.URL+"/v1/events" {
				t.Errorf("Request = %q", result.Request)
			}

			request := <-captured
			if got := request.header.Get("Content-Type"); got != ContentType {
				t.Errorf("Content-Type = %q", got)
			}
			if got := request.header.Get("User-Agent"); got != version.UserAgent() {
				t.Errorf("User-Agent = %q, want %q", got, version.UserAgent())
			}
			if got := request.header.Get(SequenceHeader); got != "42" {
				t.Errorf("%s = %q, want 42", SequenceHeader, got)
			}
			envelope := request.envelope
			if envelope.Sequence != 42 || envelope.Attempt != 3 || envelope.CreatedAt != epoch.UnixMilli() {
				t.Errorf("envelope = %+v", envelope)
			}
			if envelope.Payload["name"].Text() != "Episode 1" || envelope.Payload["pos"].Float() != 1200 {
				t.Errorf("payload = %v", envelope.Payload)
			}
		})
	}
}

func TestHTTPTransportMapsErrorStatus(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	server := httptest.NewServer(collector(t, http.StatusServiceUnavailable, captured))
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	result, err := transport.Deliver(context.Background(), testEvent())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || result.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d / %d, want 503", statusErr.StatusCode, result.StatusCode)
	}
	if !strings.Contains(statusErr.Error(), "collector unavailable") {
		t.Errorf("error %q does not include the response body", statusErr.Error())
	}
	if netutil.IsNetworkError(err) {
		t.Error("status error classified as a network error")
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	transport, err := NewHTTPTransport(HTTPConfig{Endpoint: endpoint, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	result, err := transport.Deliver(context.Background(), testEvent())
	if err == nil {
		t.Fatal("Deliver to a closed server succeeded")
	}
	if result.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", result.StatusCode)
	}
	if !netutil.IsNetworkError(err) {
		t.Errorf("error %v not classified as a network error", err)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	transport, err := NewHTTPTransport(HTTPConfig{Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	start := time.Now()
	_, err = transport.Deliver(context.Background(), testEvent())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Deliver took %v despite a 50ms timeout", elapsed)
	}
}

func TestHTTPTransportUsesHTTP2OverTLS(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	server := httptest.NewUnstartedServer(collector(t, http.StatusOK, captured))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	trusted := server.Client().Transport.(*http.Transport).TLSClientConfig
	transport, err := NewHTTPTransport(HTTPConfig{Endpoint: server.URL, TLSClientConfig: trusted})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	if _, err := transport.Deliver(context.Background(), testEvent()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if request := <-captured; request.protoMajor != 2 {
		t.Errorf("ProtoMajor = %d, want 2", request.protoMajor)
	}
}

func TestNewHTTPTransportValidates(t *testing.T) {
	tests := []HTTPConfig{
		{Endpoint: ""},
		{Endpoint: "/v1/events"},
		{Endpoint: "ftp://collector.example/v1"},
		{Endpoint: "http://collector.example", Compression: compress.LZ4},
	}
	for _, cfg := range tests {
		if _, err := NewHTTPTransport(cfg); err == nil {
			t.Errorf("NewHTTPTransport(%+v) succeeded", cfg)
		}
	}
}
