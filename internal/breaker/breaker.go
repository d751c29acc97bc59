// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker implements a circuit breaker for the upstream model
// provider. One shared instance guards each provider; all transitions go
// through RecordSuccess and RecordFailure and are atomic with respect to
// concurrent reports.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold opens the circuit when reached within Window.
	FailureThreshold int
	// Window is the rolling interval in which failures are counted.
	Window time.Duration
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold int
}

// Breaker tracks upstream health and rejects calls while the provider is
// considered unhealthy.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state         State
	failures      []time.Time
	lastFailure   time.Time
	successes     int
	nextAttempt   time.Time
	probeInFlight bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a closed breaker with the given thresholds.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. While open it rejects until the
// cooldown elapses, then lazily moves to half-open and lets exactly one
// trial call through at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		log.Debug("circuit breaker: cooldown elapsed, probing upstream")
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = nil
			b.successes = 0
			log.Info("circuit breaker: upstream recovered, circuit closed")
		}
	case StateClosed:
		// Healthy traffic ages out old failures naturally via the window.
	}
}

// RecordFailure reports a failed upstream call. Within the closed state the
// rolling window drives the open transition: failures older than the window
// stop counting, so an isolated failure does not cascade.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.open(now)
		log.Warn("circuit breaker: probe failed, circuit reopened")
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
			log.Warnf("circuit breaker: %d failures within %s, circuit opened", len(b.failures), b.cfg.Window)
		}
	case StateOpen:
		// Already open; nothing to count.
	}
}

// IsOpen reports whether calls are currently rejected. The open state is
// evaluated lazily: once the cooldown elapses the breaker is considered
// half-open (probe-ready) rather than open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Before(b.nextAttempt)
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker for stats reporting.
type Snapshot struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		State:        b.state,
		FailureCount: len(b.failures),
		LastFailure:  b.lastFailure,
		NextAttempt:  b.nextAttempt,
	}
}

// open transitions to the open state with a fresh cooldown. Must be called
// with the lock held.
func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.nextAttempt = now.Add(b.cfg.Cooldown)
	b.successes = 0
	b.failures = nil
}

// pruneLocked drops failures older than the rolling window. Must be called
// with the lock held.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
