// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

// Probe checks reachability once. A nil error means online. The
// context carries the probe timeout.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to [Probe].
type ProbeFunc func(ctx context.Context) error

// Check calls f.
func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// DialProbe reports online when a TCP connection to address succeeds.
// The connection is closed immediately.
func DialProbe(address string) Probe {
	var dialer net.Dialer
	return ProbeFunc(func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// HTTPProbe reports online when a HEAD request to target gets any
// response. Error statuses still prove the network path works, so only
// transport failures count as offline. A nil client uses
// http.DefaultClient.
func HTTPProbe(client *http.Client, target string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return ProbeFunc(func(ctx context.Context) error {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return fmt.Errorf("connectivity: building probe request: %w", err)
		}
		request.Header.Set("User-Agent", version.UserAgent())
		response, err := client.Do(request)
		if err != nil {
			return err
		}
		netutil.Drain(response.Body)
		return nil
	})
}

// EndpointAddress returns the host:port a TCP probe should dial for an
// http or https endpoint URL.
func EndpointAddress(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("connectivity: parsing endpoint: %w", err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("connectivity: endpoint %q has no host", endpoint)
	}
	port := parsed.Port()
	if port == "" {
		switch parsed.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", fmt.Errorf("connectivity: endpoint %q: unsupported scheme %q", endpoint, parsed.Scheme)
		}
	}
	return net.JoinHostPort(parsed.Hostname(), port), nil
}
