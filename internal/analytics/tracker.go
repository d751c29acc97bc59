// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package analytics records one usage event per handled query and ships them
// to an external sink in batches. Recording never blocks request handling:
// both buffers are bounded, and when the ship buffer is full the oldest
// events are dropped and counted. Aggregates are computed over a trailing
// time window from a retained ring of recent events, so shipping a batch
// never erases the numbers behind the stats endpoint.
package analytics

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Route says which path served the query.
type Route string

const (
	RouteRule          Route = "rule"
	RouteCacheExact    Route = "cache_exact"
	RouteCacheSemantic Route = "cache_semantic"
	RouteBatchShared   Route = "batch_shared"
	RouteModel         Route = "model"
	RouteFallback      Route = "fallback"
	RouteError         Route = "error"
)

// Event is one usage record.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	UserTier      string    `json:"user_tier"`
	Route         Route     `json:"route"`
	Model         string    `json:"model,omitempty"`
	Complexity    string    `json:"complexity,omitempty"`
	RuleName      string    `json:"rule_name,omitempty"`
	TokensIn      int       `json:"tokens_in"`
	TokensOut     int       `json:"tokens_out"`
	TokensSaved   int       `json:"tokens_saved,omitempty"`
	EstimatedCost float64   `json:"estimated_cost"`
	LatencyMS     int64     `json:"latency_ms"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

// Sink receives flushed event batches.
type Sink interface {
	Ship(ctx context.Context, events []Event) error
}

// Config bounds the tracker.
type Config struct {
	// BufferSize caps both the unflushed ship buffer and the retained ring
	// that windowed aggregates are computed from.
	BufferSize int
	// FlushInterval is how often buffered events are shipped.
	FlushInterval time.Duration
}

// Tracker buffers events for shipping and retains the most recent ones for
// windowed aggregation.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	sink   Sink
	buffer []Event
	recent []Event
	now    func() time.Time

	recorded    int64
	dropped     int64
	shipped     int64
	flushFailed int64
}

// New creates a tracker shipping to sink. A nil sink disables shipping but
// keeps the in-process counters.
func New(cfg Config, sink Sink) *Tracker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	return &Tracker{cfg: cfg, sink: sink, now: time.Now}
}

// Record buffers one event. When the ship buffer is full the oldest event is
// dropped so that recording stays non-blocking; the retained ring is trimmed
// the same way but independently, so shipping and aggregation never compete.
func (t *Tracker) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.recorded++

	if len(t.buffer) >= t.cfg.BufferSize {
		t.buffer = t.buffer[1:]
		t.dropped++
	}
	t.buffer = append(t.buffer, ev)

	if len(t.recent) >= t.cfg.BufferSize {
		t.recent = t.recent[1:]
	}
	t.recent = append(t.recent, ev)
}

// Flush ships all buffered events to the sink. On sink failure the events are
// requeued at the front of the buffer (subject to the size cap) for the next
// attempt. The retained ring is untouched either way.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.buffer) == 0 || t.sink == nil {
		t.mu.Unlock()
		return
	}
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if err := t.sink.Ship(ctx, batch); err != nil {
		log.WithError(err).Warnf("analytics: failed to ship %d events", len(batch))
		t.mu.Lock()
		t.flushFailed++
		combined := append(batch, t.buffer...)
		if over := len(combined) - t.cfg.BufferSize; over > 0 {
			t.dropped += int64(over)
			combined = combined[over:]
		}
		t.buffer = combined
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.shipped += int64(len(batch))
	t.mu.Unlock()
}

// Run flushes on the configured interval until the context is cancelled,
// then performs one final flush.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Stats summarizes recorded usage. The lifetime counters cover the whole
// process; the aggregate fields cover only events inside the requested
// trailing window.
type Stats struct {
	Recorded    int64 `json:"recorded"`
	Buffered    int   `json:"buffered"`
	Shipped     int64 `json:"shipped"`
	Dropped     int64 `json:"dropped"`
	FlushFailed int64 `json:"flush_failed"`

	WindowMS     int64            `json:"window_ms"`
	Events       int              `json:"events"`
	TotalCost    float64          `json:"total_cost"`
	TotalTokens  int              `json:"total_tokens"`
	TokensSaved  int              `json:"tokens_saved"`
	AvgLatencyMS float64          `json:"avg_latency_ms"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	ByRoute      map[Route]int64  `json:"by_route"`
	ByModel      map[string]int64 `json:"by_model"`
}

// Stats aggregates the retained events whose timestamps fall inside the
// trailing window ending now. A window of zero or less covers every retained
// event. Average latency spans answered outcomes only, not errors.
func (t *Tracker) Stats(window time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = t.now().Add(-window)
	}

	st := Stats{
		Recorded:    t.recorded,
		Buffered:    len(t.buffer),
		Shipped:     t.shipped,
		Dropped:     t.dropped,
		FlushFailed: t.flushFailed,
		WindowMS:    window.Milliseconds(),
		ByRoute:     make(map[Route]int64),
		ByModel:     make(map[string]int64),
	}

	var latencySum int64
	var answered int64
	for _, ev := range t.recent {
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		st.Events++
		st.ByRoute[ev.Route]++
		if ev.Model != "" {
			st.ByModel[ev.Model]++
		}
		st.TotalCost += ev.EstimatedCost
		st.TotalTokens += ev.TokensIn + ev.TokensOut
		st.TokensSaved += ev.TokensSaved
		if ev.Route != RouteError {
			latencySum += ev.LatencyMS
			answered++
		}
	}
	if answered > 0 {
		st.AvgLatencyMS = float64(latencySum) / float64(answered)
	}

	hits := st.ByRoute[RouteCacheExact] + st.ByRoute[RouteCacheSemantic]
	misses := st.ByRoute[RouteBatchShared] + st.ByRoute[RouteModel] + st.ByRoute[RouteFallback]
	if hits+misses > 0 {
		st.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	return st
}
