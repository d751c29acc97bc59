// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue admits requests to the upstream provider in priority order.
// Vendors outrank premium users, premium users outrank free users, and an
// active shopping session adds a small bonus on top of the tier weight.
// Within equal effective weight, dispatch is FIFO. The queue has a hard depth
// limit and a per-request wait deadline; a single dispatcher grants one ticket
// at a time and waits for it to be released before granting the next.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Tier is a caller's account tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierVendor  Tier = "vendor"
)

var (
	// ErrQueueFull is returned when the queue is at its depth limit.
	ErrQueueFull = errors.New("queue: depth limit reached")
	// ErrTimeout is returned when a ticket waits longer than the deadline.
	ErrTimeout = errors.New("queue: wait deadline exceeded")
)

// Config bounds the queue.
type Config struct {
	// Depth is the maximum number of waiting tickets.
	Depth int
	// WaitTimeout bounds how long a ticket may wait before being evicted.
	WaitTimeout time.Duration
	// DispatchDelay is the pause after each released ticket before the next
	// grant; it smooths the request rate seen by the upstream provider.
	DispatchDelay time.Duration
	// Weights maps tiers to base priority weights.
	Weights map[Tier]int
	// SessionBonus is added to the weight when the caller has an active
	// shopping session.
	SessionBonus int
}

// DefaultWeights returns the standard tier weight table.
func DefaultWeights() map[Tier]int {
	return map[Tier]int{TierFree: 1, TierPremium: 5, TierVendor: 10}
}

// Ticket represents one waiting request. A granted ticket occupies the
// dispatcher until Release is called.
type Ticket struct {
	tier     Tier
	weight   int
	seq      uint64
	enqueued time.Time
	granted  chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Tier returns the tier the ticket was enqueued with.
func (t *Ticket) Tier() Tier { return t.tier }

// Weight returns the ticket's effective priority weight.
func (t *Ticket) Weight() int { return t.weight }

// Queue is a bounded priority admission queue with a single dispatcher.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	waiting []*Ticket
	seq     uint64
	wake    chan struct{}

	enqueued   int64
	dispatched int64
	rejected   int64
	timedOut   int64
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 100
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.DispatchDelay <= 0 {
		cfg.DispatchDelay = 100 * time.Millisecond
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.SessionBonus <= 0 {
		cfg.SessionBonus = 2
	}
	return &Queue{cfg: cfg, wake: make(chan struct{}, 1)}
}

// EffectiveWeight computes the priority weight for a tier, including the
// active-session bonus.
func (q *Queue) EffectiveWeight(tier Tier, hasSession bool) int {
	w, ok := q.cfg.Weights[tier]
	if !ok {
		w = q.cfg.Weights[TierFree]
	}
	if hasSession {
		w += q.cfg.SessionBonus
	}
	return w
}

// Enqueue admits a request to the queue. It fails immediately with
// ErrQueueFull when the depth limit is reached; admission order is preserved
// via a monotonic sequence number so equal weights dispatch FIFO. Only live
// tickets count toward the depth limit: timed-out and cancelled tickets are
// evicted the moment they give up.
func (q *Queue) Enqueue(tier Tier, hasSession bool) (*Ticket, error) {
	q.mu.Lock()
	if len(q.waiting) >= q.cfg.Depth {
		q.rejected++
		waiting := len(q.waiting)
		q.mu.Unlock()
		log.Warnf("queue: rejecting %s request, %d tickets waiting", tier, waiting)
		return nil, ErrQueueFull
	}

	q.seq++
	t := &Ticket{
		tier:     tier,
		weight:   q.EffectiveWeight(tier, hasSession),
		seq:      q.seq,
		enqueued: time.Now(),
		granted:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	q.waiting = append(q.waiting, t)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// Wait blocks until the ticket is granted, the wait deadline passes, or the
// context is done. A timed-out or cancelled ticket is evicted from the queue
// so it no longer occupies a depth slot.
func (q *Queue) Wait(ctx context.Context, t *Ticket) error {
	timer := time.NewTimer(q.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-t.granted:
		return nil
	case <-timer.C:
		if !q.evict(t) {
			// Granted in the same instant; treat it as a grant.
			return nil
		}
		q.mu.Lock()
		q.timedOut++
		q.mu.Unlock()
		return ErrTimeout
	case <-ctx.Done():
		if !q.evict(t) {
			// Granted while cancelling: hand the slot straight back so the
			// dispatcher is not left waiting on a caller that walked away.
			q.Release(t)
		}
		return ctx.Err()
	}
}

// Release hands the granted slot back to the dispatcher. It is safe to call
// more than once and must be called after the request's processing finishes.
func (q *Queue) Release(t *Ticket) {
	t.once.Do(func() { close(t.done) })
}

// Dequeue grants the highest-weight waiting ticket, FIFO among equals, and
// reports whether any ticket was granted.
func (q *Queue) Dequeue() (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return nil, false
	}
	best := 0
	for i, t := range q.waiting[1:] {
		b := q.waiting[best]
		if t.weight > b.weight || (t.weight == b.weight && t.seq < b.seq) {
			best = i + 1
		}
	}

	t := q.waiting[best]
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
	q.dispatched++
	close(t.granted)
	return t, true
}

// Run is the dispatch loop: grant one ticket, wait for the caller to release
// it, pause DispatchDelay, repeat. The single-consumer discipline means at
// most one granted request is in flight at any time.
func (q *Queue) Run(ctx context.Context) {
	for {
		t, ok := q.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		select {
		case <-t.done:
		case <-ctx.Done():
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.DispatchDelay):
		}
	}
}

// Len returns the number of waiting tickets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Waiting    int   `json:"waiting"`
	Enqueued   int64 `json:"enqueued"`
	Dispatched int64 `json:"dispatched"`
	Rejected   int64 `json:"rejected"`
	TimedOut   int64 `json:"timed_out"`
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:    len(q.waiting),
		Enqueued:   q.enqueued,
		Dispatched: q.dispatched,
		Rejected:   q.rejected,
		TimedOut:   q.timedOut,
	}
}

// evict removes the ticket from the waiting list, reporting whether it was
// still queued. A ticket that is gone was already granted by the dispatcher.
func (q *Queue) evict(t *Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w == t {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}
