// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Do when the breaker
// rejects the call without executing it. The classifier treats it as
// transient so that rejected jobs are retried once the downstream
// recovers.
var ErrCircuitOpen = errors.New("taskqueue: circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed lets all calls through and tracks their outcomes.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen rejects all calls until the cooldown elapses.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen lets a limited number of probe calls through to
	// test whether the downstream has recovered.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes a circuit breaker. Rates are percentages in the
// range 0-100 and only apply once at least FailureThreshold calls have
// been observed inside the sliding window.
type BreakerConfig struct {
	FailureThreshold      int     // minimum calls before rates apply, and the absolute failure trip count
	FailureRateThreshold  float64 // trip when failed calls exceed this percentage
	WindowMs              int64   // sliding window over call outcomes
	OpenDurationMs        int64   // cooldown before probing again
	HalfOpenMaxCalls      int     // probe budget in half-open state
	SlowCallDurationMs    int64   // calls slower than this count as slow
	SlowCallRateThreshold float64 // trip when slow calls exceed this percentage
}

// ExternalAPIConfig suits third-party HTTP APIs: tolerant of slowness,
// quick to recover.
func ExternalAPIConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:      5,
		FailureRateThreshold:  50,
		WindowMs:              60000,
		OpenDurationMs:        30000,
		HalfOpenMaxCalls:      3,
		SlowCallDurationMs:    5000,
		SlowCallRateThreshold: 80,
	}
}

// DatabaseConfig suits database access: trips fast and stays open
// longer so a struggling database is not hammered.
func DatabaseConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:      3,
		FailureRateThreshold:  30,
		WindowMs:              30000,
		OpenDurationMs:        60000,
		HalfOpenMaxCalls:      2,
		SlowCallDurationMs:    3000,
		SlowCallRateThreshold: 70,
	}
}

// InternalConfig suits in-process services: very tolerant, short
// cooldown.
func InternalConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:      10,
		FailureRateThreshold:  60,
		WindowMs:              120000,
		OpenDurationMs:        15000,
		HalfOpenMaxCalls:      5,
		SlowCallDurationMs:    2000,
		SlowCallRateThreshold: 90,
	}
}

// ring buffer capacity for call outcomes.
const breakerRingSize = 100

type callResult struct {
	at     int64 // epoch ms
	failed bool
	slow   bool
}

// CircuitBreaker protects a downstream dependency. Wrap the calls a
// task makes with Do; once the downstream misbehaves the breaker
// rejects further calls with ErrCircuitOpen until a cooldown and a
// successful probe phase have passed.
//
// All state is guarded by a single mutex; the protected function runs
// outside the lock.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	ring              [breakerRingSize]callResult
	ringIdx           int
	ringLen           int
	openedAt          int64 // epoch ms of the last transition to open
	lastStateChangeAt int64 // epoch ms of the last state transition
	halfOpenInFlight  int
	halfOpenSuccesses int

	// Lifetime counters. They survive state changes and Reset.
	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	totalSlowCalls int64
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:              name,
		config:            config,
		state:             BreakerClosed,
		lastStateChangeAt: time.Now().UnixNano() / int64(time.Millisecond),
	}
}

// Name returns the breaker's name.
func (b *CircuitBreaker) Name() string { return b.name }

// Do executes fn under the breaker's protection. When the breaker is
// open, fn is not executed and ErrCircuitOpen is returned. The error
// returned by fn is passed through unchanged so callers can still
// inspect it.
func (b *CircuitBreaker) Do(fn func() error) error {
	now := time.Now().UnixNano() / int64(time.Millisecond)

	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if now-b.openedAt < b.config.OpenDurationMs {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		// Cooldown elapsed, probe the downstream.
		b.state = BreakerHalfOpen
		b.lastStateChangeAt = now
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
	}
	b.mu.Unlock()

	start := time.Now()
	err := fn()
	elapsedMs := time.Since(start).Milliseconds()

	b.record(err != nil, elapsedMs)
	return err
}

// record stores the outcome of a call and drives state transitions.
func (b *CircuitBreaker) record(failed bool, elapsedMs int64) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	slow := elapsedMs >= b.config.SlowCallDurationMs

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	if failed {
		b.totalFailures++
	} else {
		b.totalSuccesses++
	}
	if slow {
		b.totalSlowCalls++
	}

	switch b.state {
	case BreakerHalfOpen:
		if failed {
			// The downstream is still broken, back to open.
			b.trip(now)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			b.close(now)
		}
		return

	case BreakerOpen:
		// A call that started before the trip finished late. Ignore it.
		return
	}

	b.ring[b.ringIdx] = callResult{at: now, failed: failed, slow: slow}
	b.ringIdx = (b.ringIdx + 1) % breakerRingSize
	if b.ringLen < breakerRingSize {
		b.ringLen++
	}

	total, failures, slows := b.windowCounts(now)
	if total < b.config.FailureThreshold {
		return
	}
	failureRate := float64(failures) / float64(total) * 100
	slowRate := float64(slows) / float64(total) * 100
	if failures >= b.config.FailureThreshold ||
		failureRate >= b.config.FailureRateThreshold ||
		slowRate >= b.config.SlowCallRateThreshold {
		b.trip(now)
	}
}

// windowCounts tallies outcomes inside the sliding window. Callers
// must hold the mutex.
func (b *CircuitBreaker) windowCounts(now int64) (total, failures, slows int) {
	cutoff := now - b.config.WindowMs
	for i := 0; i < b.ringLen; i++ {
		r := b.ring[i]
		if r.at < cutoff {
			continue
		}
		total++
		if r.failed {
			failures++
		}
		if r.slow {
			slows++
		}
	}
	return total, failures, slows
}

// trip opens the breaker. Callers must hold the mutex.
func (b *CircuitBreaker) trip(now int64) {
	b.state = BreakerOpen
	b.openedAt = now
	b.lastStateChangeAt = now
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}

// close resets the breaker to closed with an empty window. Lifetime
// counters are kept. Callers must hold the mutex.
func (b *CircuitBreaker) close(now int64) {
	b.state = BreakerClosed
	b.ringIdx = 0
	b.ringLen = 0
	b.openedAt = 0
	b.lastStateChangeAt = now
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *CircuitBreaker) State() BreakerState {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && now-b.openedAt >= b.config.OpenDurationMs {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forcibly closes the breaker and clears its window.
func (b *CircuitBreaker) Reset() {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close(now)
}

// BreakerStats is a snapshot of a breaker for monitoring.
type BreakerStats struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	WindowCalls  int          `json:"windowCalls"`
	Failures     int          `json:"failures"`
	SlowCalls    int          `json:"slowCalls"`
	FailureRate  float64      `json:"failureRate"`
	SlowCallRate float64      `json:"slowCallRate"`
	OpenedAt     int64        `json:"openedAt,omitempty"` // epoch ms, 0 unless open

	// Lifetime counters, not reset by state changes.
	TotalCalls      int64 `json:"totalCalls"`
	TotalSuccesses  int64 `json:"totalSuccesses"`
	TotalFailures   int64 `json:"totalFailures"`
	TotalSlowCalls  int64 `json:"totalSlowCalls"`
	LastStateChange int64 `json:"lastStateChange"` // epoch ms
}

// Stats returns a snapshot of the breaker.
func (b *CircuitBreaker) Stats() BreakerStats {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures, slows := b.windowCounts(now)
	s := BreakerStats{
		Name:            b.name,
		State:           b.state,
		WindowCalls:     total,
		Failures:        failures,
		SlowCalls:       slows,
		OpenedAt:        b.openedAt,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalSlowCalls:  b.totalSlowCalls,
		LastStateChange: b.lastStateChangeAt,
	}
	if total > 0 {
		s.FailureRate = float64(failures) / float64(total) * 100
		s.SlowCallRate = float64(slows) / float64(total) * 100
	}
	return s
}

// BreakerSet is a named collection of circuit breakers, created
// lazily. It is safe for concurrent use.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	fallback BreakerConfig
}

// NewBreakerSet creates an empty set. Breakers requested by name
// without an explicit config use fallback.
func NewBreakerSet(fallback BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		fallback: fallback,
	}
}

// Get returns the breaker with the given name, creating it with the
// fallback config on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	return s.GetWithConfig(name, s.fallback)
}

// GetWithConfig returns the breaker with the given name, creating it
// with config on first use. The config of an existing breaker is not
// changed.
func (s *BreakerSet) GetWithConfig(name string, config BreakerConfig) *CircuitBreaker {
	s.mu.RLock()
	b, found := s.breakers[name]
	s.mu.RUnlock()
	if found {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, found = s.breakers[name]; found {
		return b
	}
	b = NewCircuitBreaker(name, config)
	s.breakers[name] = b
	return b
}

// Reset closes the named breaker. It reports whether the breaker
// exists.
func (s *BreakerSet) Reset(name string) bool {
	s.mu.RLock()
	b, found := s.breakers[name]
	s.mu.RUnlock()
	if !found {
		return false
	}
	b.Reset()
	return true
}

// Stats returns snapshots of all breakers in the set.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]BreakerStats, 0, len(s.breakers))
	for _, b := range s.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
