// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/bureau-foundation/streamsensor/lib/codec"
	"github.com/bureau-foundation/streamsensor/lib/compress"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/ringbuffer"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

// ContentType is the media type of a delivery request body.
const ContentType = "application/cbor"

// SequenceHeader carries the buffer sequence number so a collector can
// discard duplicates after a retry.
const SequenceHeader = "X-Streamsensor-Sequence"

// Result describes one delivery attempt.
type Result struct {
	// StatusCode is the HTTP status, 0 when no response arrived.
	StatusCode int

	// Request summarizes the attempt for the debug sink.
	Request string
}

// Transport delivers one event. A nil error means the endpoint accepted
// it and it may be acknowledged.
type Transport interface {
	Deliver(ctx context.Context, event ringbuffer.Event) (Result, error)
}

// StatusError is returned when the endpoint answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("delivery: endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery: endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Envelope is the request body. Collectors decode it with the same CBOR
// codec.
type Envelope struct {
	Sequence  uint64             `cbor:"seq"`
	CreatedAt int64              `cbor:"ts"`
	Attempt   int                `cbor:"attempt"`
	Payload   ringbuffer.Payload `cbor:"payload"`
}

// NewEnvelope wraps event for the wire. CreatedAt is Unix milliseconds
// and Attempt counts this try, starting at 1.
func NewEnvelope(event ringbuffer.Event) Envelope {
	return Envelope{
		Sequence:  event.Sequence,
		CreatedAt: event.CreatedAt.UnixMilli(),
		Attempt:   event.Attempts + 1,
		Payload:   event.Payload,
	}
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Endpoint is the absolute http or https URL events are POSTed to.
	Endpoint string

	// Timeout bounds each request, including reading the response.
	// Zero means 5 seconds.
	Timeout time.Duration

	// Compression is compress.None or compress.Zstd. Zstd bodies carry
	// Content-Encoding: zstd.
	Compression compress.Tag

	// TLSClientConfig customizes TLS, typically to trust a private CA.
	TLSClientConfig *tls.Config

	// Client replaces the HTTP/2-enabled client built from the fields
	// above.
	Client *http.Client
}

// HTTPTransport POSTs events to an HTTP endpoint.
type HTTPTransport struct {
	endpoint    string
	timeout     time.Duration
	compression compress.Tag
	client      *http.Client
}

// NewHTTPTransport validates cfg and builds the client.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("delivery: parsing endpoint: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("delivery: endpoint %q must be an absolute http or https URL", cfg.Endpoint)
	}
	if cfg.Compression != compress.None && cfg.Compression != compress.Zstd {
		return nil, fmt.Errorf("delivery: unsupported request compression %s", cfg.Compression)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client, err = newHTTP2Client(cfg.TLSClientConfig)
		if err != nil {
			return nil, err
		}
	}
	return &HTTPTransport{
		endpoint:    cfg.Endpoint,
		timeout:     timeout,
		compression: cfg.Compression,
		client:      client,
	}, nil
}

func newHTTP2Client(tlsConfig *tls.Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig.Clone()
	}
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("delivery: enabling HTTP/2: %w", err)
	}
	// Detect dead connections after a network change instead of
	// waiting for the request timeout.
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 10 * time.Second
	return &http.Client{Transport: transport}, nil
}

// Endpoint returns the configured URL.
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Deliver sends one event. Non-2xx responses return a *StatusError.
func (t *HTTPTransport) Deliver(ctx context.Context, event ringbuffer.Event) (Result, error) {
	result := Result{Request: http.MethodPost + " " + t.endpoint}

	body, err := codec.Marshal(NewEnvelope(event))
	if err != nil {
		return result, fmt.Errorf("delivery: encoding event %d: %w", event.Sequence, err)
	}
	if t.compression == compress.Zstd {
		body = compress.EncodeZstd(body)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("delivery: building request: %w", err)
	}
	request.Header.Set("Content-Type", ContentType)
	request.Header.Set("User-Agent", version.UserAgent())
	request.Header.Set(SequenceHeader, strconv.FormatUint(event.Sequence, 10))
	if t.compression == compress.Zstd {
		request.Header.Set("Content-Encoding", "zstd")
	}

	response, err := t.client.Do(request)
	if err != nil {
		return result, fmt.Errorf("delivery: posting event %d: %w", event.Sequence, err)
	}
	result.StatusCode = response.StatusCode
	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
		response.Body.Close()
		return result, statusErr
	}
	netutil.Drain(response.Body)
	return result, nil
}
