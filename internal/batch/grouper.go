// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package batch coalesces near-duplicate in-flight queries so one upstream
// call can serve all of them. Submitted queries accumulate in a pending list;
// when the list fills up or the collection window elapses, the whole list is
// flushed, partitioned into similarity groups, and each group is resolved by
// a single processor call whose results are handed back by position.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config bounds batch collection.
type Config struct {
	// MaxSize flushes the pending list immediately once this many queries
	// have accumulated. It also caps the size of a single group.
	MaxSize int
	// Window is how long the pending list collects queries before a flush.
	Window time.Duration
	// MinOverlap is the minimum word-overlap ratio for two queries to group.
	MinOverlap float64
	// MaxWordDiff is the maximum allowed difference in word counts.
	MaxWordDiff int
}

// Outcome is the resolved answer for one query position in a group.
type Outcome struct {
	Response    string
	Model       string
	TokensIn    int
	TokensOut   int
	TokensSaved int
}

// Result is what each submitted query receives.
type Result struct {
	Outcome
	// Shared is true for members served by their group's shared call rather
	// than leading it.
	Shared bool
	// GroupSize is how many queries the resolving group held.
	GroupSize int
	Err       error
}

// ProcessFunc resolves one similarity group. It receives every query in the
// group and must return one Outcome per query, in the same order.
type ProcessFunc func(ctx context.Context, queries []string) ([]Outcome, error)

type item struct {
	query string
	words map[string]struct{}
	ch    chan Result
}

// Grouper collects queries and resolves them in similarity groups.
type Grouper struct {
	mu      sync.Mutex
	cfg     Config
	pending []*item
	timer   *time.Timer
	process ProcessFunc

	groupsDispatched int64
	queriesCoalesced int64
}

// New creates a grouper that resolves groups through process.
func New(cfg Config, process ProcessFunc) *Grouper {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.MinOverlap <= 0 {
		cfg.MinOverlap = 0.8
	}
	if cfg.MaxWordDiff <= 0 {
		cfg.MaxWordDiff = 2
	}
	return &Grouper{cfg: cfg, process: process}
}

// Submit adds the query to the pending list and blocks until its result is
// available or the context is done. Reaching MaxSize flushes the whole
// pending list at once; otherwise the window timer does.
func (g *Grouper) Submit(ctx context.Context, query string) Result {
	it := &item{query: query, words: wordSet(query), ch: make(chan Result, 1)}

	g.mu.Lock()
	g.pending = append(g.pending, it)
	if len(g.pending) >= g.cfg.MaxSize {
		// The flushed groups outlive this caller, so they must survive the
		// cancellation of its context.
		g.flushLocked(context.WithoutCancel(ctx))
	} else if g.timer == nil {
		g.timer = time.AfterFunc(g.cfg.Window, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.flushLocked(context.Background())
		})
	}
	g.mu.Unlock()

	select {
	case res := <-it.ch:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// flushLocked takes the whole pending list, partitions it into similarity
// groups, and resolves each group in its own goroutine. Must be called with
// the lock held.
func (g *Grouper) flushLocked(ctx context.Context) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if len(g.pending) == 0 {
		return
	}
	flushed := g.pending
	g.pending = nil

	for _, grp := range g.partition(flushed) {
		g.groupsDispatched++
		g.queriesCoalesced += int64(len(grp) - 1)
		go g.resolve(ctx, grp)
	}
}

// partition splits the flushed items into groups of mutually similar queries.
// Each item joins the first open group whose first member it resembles, so
// grouping depends only on query text and arrival order.
func (g *Grouper) partition(items []*item) [][]*item {
	var groups [][]*item
	for _, it := range items {
		placed := false
		for i, grp := range groups {
			if len(grp) >= g.cfg.MaxSize {
				continue
			}
			if similar(grp[0].words, it.words, g.cfg.MinOverlap, g.cfg.MaxWordDiff) {
				groups[i] = append(groups[i], it)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*item{it})
		}
	}
	return groups
}

// resolve runs one group through the processor and distributes the result
// list to the members by position. A failing group only fails its own
// members; other groups from the same flush are unaffected.
func (g *Grouper) resolve(ctx context.Context, grp []*item) {
	queries := make([]string, len(grp))
	for i, it := range grp {
		queries[i] = it.query
	}
	if len(queries) > 1 {
		log.Debugf("batch: resolving group of %d led by %q", len(queries), queries[0])
	}

	outcomes, err := g.process(ctx, queries)
	if err == nil && len(outcomes) != len(queries) {
		err = fmt.Errorf("batch: processor returned %d results for %d queries", len(outcomes), len(queries))
	}
	for i, it := range grp {
		res := Result{Shared: i > 0, GroupSize: len(grp), Err: err}
		if err == nil {
			res.Outcome = outcomes[i]
		}
		it.ch <- res
	}
}

// Pending returns the number of queries awaiting the next flush.
func (g *Grouper) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stats reports lifetime grouping counters.
type Stats struct {
	GroupsDispatched int64 `json:"groups_dispatched"`
	QueriesCoalesced int64 `json:"queries_coalesced"`
}

// Stats returns grouping counters.
func (g *Grouper) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{GroupsDispatched: g.groupsDispatched, QueriesCoalesced: g.queriesCoalesced}
}

// Similar reports whether two queries are close enough to share one upstream
// call: their word sets overlap at least minOverlap (relative to the larger
// set) and their word counts differ by at most maxWordDiff.
func Similar(a, b string, minOverlap float64, maxWordDiff int) bool {
	return similar(wordSet(a), wordSet(b), minOverlap, maxWordDiff)
}

func similar(a, b map[string]struct{}, minOverlap float64, maxWordDiff int) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxWordDiff {
		return false
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(shared)/float64(larger) >= minOverlap
}

func wordSet(query string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
