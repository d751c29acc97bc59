// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package semcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(cfg Config) (*Cache, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(cfg)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCacheExactHit(t *testing.T) {
	c, _ := newTestCache(Config{})

	c.Store("What is your return policy?", "30 days", "swift-mini", nil)

	entry, ok := c.Get("What is your return policy?")
	require.True(t, ok)
	assert.Equal(t, "30 days", entry.Response)
	assert.Equal(t, "swift-mini", entry.Model)

	// The key normalizes case and surrounding whitespace.
	entry, ok = c.Get("  what is your RETURN policy?  ")
	require.True(t, ok)
	assert.Equal(t, "30 days", entry.Response)

	_, ok = c.Get("something else entirely")
	assert.False(t, ok)
}

func TestCacheNeverReturnsExpired(t *testing.T) {
	c, now := newTestCache(Config{TTL: time.Hour})

	vec := []float64{1, 0, 0}
	c.Store("query one", "answer", "swift-mini", vec)

	*now = now.Add(time.Hour + time.Second)

	_, ok := c.Get("query one")
	assert.False(t, ok, "expired entry must not be served exactly")

	_, _, ok = c.Find(vec)
	assert.False(t, ok, "expired entry must not be served semantically")
	assert.Zero(t, c.Len(), "expired entries are removed on lookup")
}

func TestCacheSemanticHighestSimilarityWins(t *testing.T) {
	c, _ := newTestCache(Config{SimilarityThreshold: 0.85})

	c.Store("a", "answer-a", "swift-mini", []float64{1, 0, 0})
	c.Store("b", "answer-b", "swift-mini", []float64{0.95, 0.3122, 0}) // ~0.95 vs probe
	c.Store("c", "answer-c", "swift-mini", []float64{0, 1, 0})

	entry, sim, ok := c.Find([]float64{1, 0, 0})
	require.True(t, ok)
	assert.Equal(t, "answer-a", entry.Response, "exact vector beats near vector")
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCacheSemanticThreshold(t *testing.T) {
	c, _ := newTestCache(Config{SimilarityThreshold: 0.85})

	c.Store("a", "answer-a", "swift-mini", []float64{1, 1, 0})

	// cos(45°) ≈ 0.707, below the threshold.
	_, _, ok := c.Find([]float64{1, 0, 0})
	assert.False(t, ok)

	entry, sim, ok := c.Find([]float64{1, 0.9, 0})
	require.True(t, ok)
	assert.Equal(t, "answer-a", entry.Response)
	assert.GreaterOrEqual(t, sim, 0.85)
}

func TestCacheEvictsLowestHitEntries(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 10})

	for i := 0; i < 10; i++ {
		c.Store(fmt.Sprintf("query %d", i), "answer", "swift-mini", nil)
	}
	// Touch everything except query 3 so it has the lowest hit count.
	for i := 0; i < 10; i++ {
		if i == 3 {
			continue
		}
		_, ok := c.Get(fmt.Sprintf("query %d", i))
		require.True(t, ok)
	}

	c.Store("query 10", "answer", "swift-mini", nil)

	assert.Equal(t, 10, c.Len())
	_, ok := c.Get("query 3")
	assert.False(t, ok, "lowest-hit entry is the eviction victim")
	_, ok = c.Get("query 10")
	assert.True(t, ok)
}

func TestCacheStoreOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 2})

	c.Store("a", "one", "swift-mini", nil)
	c.Store("b", "two", "swift-mini", nil)
	c.Store("a", "one-updated", "swift-mini", nil)

	assert.Equal(t, 2, c.Len())
	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one-updated", entry.Response)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(Config{})

	c.Store("a", "answer", "swift-mini", []float64{1, 0})
	c.Get("a")
	c.Get("missing")
	c.Find([]float64{1, 0})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.ExactHits)
	assert.Equal(t, int64(1), stats.SemanticHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Zero(t, cosine([]float64{1, 0}, []float64{1, 0, 0}), "dimension mismatch")
	assert.Zero(t, cosine([]float64{0, 0}, []float64{1, 0}), "zero vector")
}
