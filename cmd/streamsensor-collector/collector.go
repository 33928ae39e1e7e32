// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/bureau-foundation/streamsensor/lib/codec"
	"github.com/bureau-foundation/streamsensor/lib/compress"
	"github.com/bureau-foundation/streamsensor/lib/delivery"
	"github.com/bureau-foundation/streamsensor/lib/netutil"
	"github.com/bureau-foundation/streamsensor/lib/sensor"
)

// maxBodySize bounds request bodies before and after decompression.
const maxBodySize = 1 << 20

// collectorStats is the GET /status response.
type collectorStats struct {
	Received         uint64            `json:"received"`
	Duplicates       uint64            `json:"duplicates"`
	Rejected         uint64            `json:"rejected"`
	InjectedFailures uint64            `json:"injected_failures"`
	LastSequence     uint64            `json:"last_sequence"`
	Events           map[string]uint64 `json:"events"`
}

// collector stores sequence numbers and counters in memory.
type collector struct {
	failRate      float64
	failureStatus int
	fail          func() bool
	logger        *slog.Logger

	mu     sync.Mutex
	seen   map[uint64]struct{}
	counts collectorStats
}

func newCollector(failRate float64, failureStatus int, logger *slog.Logger) *collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &collector{
		failRate:      failRate,
		failureStatus: failureStatus,
		logger:        logger,
		seen:          make(map[uint64]struct{}),
		counts:        collectorStats{Events: make(map[string]uint64)},
	}
	c.fail = func() bool { return c.failRate > 0 && rand.Float64() < c.failRate }
	return c
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/status" {
		c.handleStatus(w)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "POST events, GET /status", http.StatusMethodNotAllowed)
		return
	}
	c.handleEvent(w, r)
}

func (c *collector) handleEvent(w http.ResponseWriter, r *http.Request) {
	if contentType := r.Header.Get("Content-Type"); contentType != delivery.ContentType {
		c.reject(w, http.StatusUnsupportedMediaType, "unexpected content type "+contentType)
		return
	}
	body, err := netutil.ReadBody(r.Body, maxBodySize)
	if err != nil {
		c.reject(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	switch encoding := r.Header.Get("Content-Encoding"); encoding {
	case "":
	case "zstd":
		body, err = compress.DecodeZstd(body, maxBodySize)
		if err != nil {
			c.reject(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		c.reject(w, http.StatusUnsupportedMediaType, "unsupported content encoding "+encoding)
		return
	}

	var envelope delivery.Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		c.reject(w, http.StatusBadRequest, "decoding envelope: "+err.Error())
		return
	}

	if c.fail() {
		c.mu.Lock()
		c.counts.InjectedFailures++
		c.mu.Unlock()
		c.logger.Info("injected failure", "sequence", envelope.Sequence, "status", c.failureStatus)
		http.Error(w, "injected failure", c.failureStatus)
		return
	}

	kind := envelope.Payload[sensor.KeyEvent].Text()
	c.mu.Lock()
	_, duplicate := c.seen[envelope.Sequence]
	if duplicate {
		c.counts.Duplicates++
	} else {
		c.seen[envelope.Sequence] = struct{}{}
		c.counts.Received++
		c.counts.Events[kind]++
		c.counts.LastSequence = max(c.counts.LastSequence, envelope.Sequence)
	}
	c.mu.Unlock()

	c.logger.Info("event received",
		"sequence", envelope.Sequence,
		"attempt", envelope.Attempt,
		"event", kind,
		"uid", envelope.Payload[sensor.KeyUID].Text(),
		"position", envelope.Payload[sensor.KeyPosition].String(),
		"duplicate", duplicate,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (c *collector) reject(w http.ResponseWriter, status int, message string) {
	c.mu.Lock()
	c.counts.Rejected++
	c.mu.Unlock()
	c.logger.Warn("request rejected", "status", status, "reason", message)
	http.Error(w, message, status)
}

func (c *collector) handleStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.stats())
}

func (c *collector) stats() collectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.counts
	stats.Events = make(map[string]uint64, len(c.counts.Events))
	for kind, count := range c.counts.Events {
		stats.Events[kind] = count
	}
	return stats
}
