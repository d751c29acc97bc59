// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package semcache caches model responses keyed both by exact query hash and
// by embedding similarity. A lookup first tries the hash for a free exact hit,
// then scans embeddings for a near-duplicate above the similarity threshold.
// Entries expire by TTL and are evicted in bulk (lowest hit counts first) when
// the cache is full.
package semcache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one cached response.
type Entry struct {
	Key       string    `json:"key"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Hits      int       `json:"hits"`
}

// Config bounds the cache.
type Config struct {
	// MaxEntries caps the cache size; exceeding it triggers eviction.
	MaxEntries int
	// SimilarityThreshold is the minimum cosine similarity for a semantic hit.
	SimilarityThreshold float64
	// TTL is the entry lifetime.
	TTL time.Duration
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries      int     `json:"entries"`
	ExactHits    int64   `json:"exact_hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache is a bounded, TTL-based response cache with semantic lookup.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry

	exactHits    int64
	semanticHits int64
	misses       int64
	evictions    int64

	now func() time.Time
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Key returns the exact-match cache key for a query: the hex SHA-256 of the
// whitespace-trimmed, lowercased text.
func Key(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Get looks up an exact match by query hash. Expired entries are treated as
// misses and removed.
func (c *Cache) Get(query string) (*Entry, bool) {
	key := Key(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	entry.Hits++
	c.exactHits++
	cp := *entry
	return &cp, true
}

// Find scans for the non-expired entry whose embedding is most similar to the
// query embedding. Only similarities at or above the configured threshold
// count; among qualifying entries the highest similarity wins.
func (c *Cache) Find(embedding []float64) (*Entry, float64, bool) {
	if len(embedding) == 0 {
		return nil, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var best *Entry
	bestSim := 0.0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			continue
		}
		if len(entry.Embedding) == 0 {
			continue
		}
		sim := cosine(embedding, entry.Embedding)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best = entry
			bestSim = sim
		}
	}
	if best == nil {
		c.misses++
		return nil, 0, false
	}
	best.Hits++
	c.semanticHits++
	cp := *best
	return &cp, bestSim, true
}

// Store inserts a response under the query's hash key. Storing an existing
// key overwrites the entry and resets its hit count and TTL. When the cache
// is full the lowest-hit 10% of entries is evicted first.
func (c *Cache) Store(query, response, model string, embedding []float64) {
	key := Key(query)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}
	c.entries[key] = &Entry{
		Key:       key,
		Query:     query,
		Response:  response,
		Model:     model,
		Embedding: embedding,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.TTL),
	}
}

// Len returns the number of entries, including any not yet expired-swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache counters. HitRate counts both exact and semantic hits
// against all lookups.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.exactHits + c.semanticHits
	total := hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Entries:      len(c.entries),
		ExactHits:    c.exactHits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		HitRate:      rate,
	}
}

// evictLocked removes the 10% of entries with the fewest hits (at least one).
// Expired entries are swept first since they are free to reclaim. Must be
// called with the lock held.
func (c *Cache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			c.evictions++
		}
	}
	if len(c.entries) < c.cfg.MaxEntries {
		return
	}

	victims := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		victims = append(victims, entry)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Hits != victims[j].Hits {
			return victims[i].Hits < victims[j].Hits
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})

	n := len(victims) / 10
	if n < 1 {
		n = 1
	}
	for _, victim := range victims[:n] {
		delete(c.entries, victim.Key)
		c.evictions++
	}
	log.Debugf("semantic cache: evicted %d entries, %d remain", n, len(c.entries))
}

// cosine returns the cosine similarity of two vectors, or 0 when the
// dimensions differ or either vector is zero.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
