// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"errors"
	"testing"
	"time"
)

// fastBreakerConfig trips after 3 failures and cools down quickly so
// tests do not have to wait.
func fastBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:      3,
		FailureRateThreshold:  50,
		WindowMs:              60000,
		OpenDurationMs:        50,
		HalfOpenMaxCalls:      2,
		SlowCallDurationMs:    60000,
		SlowCallRateThreshold: 100,
	}
}

var errDownstream = errors.New("downstream broken")

func failNTimes(b *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		b.Do(func() error { return errDownstream })
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	failNTimes(b, 2)
	if have, want := b.State(), BreakerClosed; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
}

func TestBreakerTripsAndRejects(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	failNTimes(b, 3)
	if have, want := b.State(), BreakerOpen; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}

	var executed bool
	err := b.Do(func() error { executed = true; return nil })
	if have, want := err, ErrCircuitOpen; !errors.Is(have, want) {
		t.Fatalf("Do returned %v, want %v", have, want)
	}
	if executed {
		t.Error("protected function ran while the breaker was open")
	}
}

func TestBreakerTripsOnFailureCountDespiteLowRate(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())

	// 7 successes dilute the failure rate to 30%, well under the 50%
	// threshold. Three absolute failures still open the breaker.
	for i := 0; i < 7; i++ {
		b.Do(func() error { return nil })
	}
	failNTimes(b, 3)
	if have, want := b.State(), BreakerOpen; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
}

func TestBreakerPassesErrorThrough(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	if have, want := b.Do(func() error { return errDownstream }), errDownstream; have != want {
		t.Fatalf("Do returned %v, want %v", have, want)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	failNTimes(b, 3)

	time.Sleep(60 * time.Millisecond) // wait out the cooldown
	if have, want := b.State(), BreakerHalfOpen; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}

	// Two successful probes close the breaker again.
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d returned %v, want nil", i, err)
		}
	}
	if have, want := b.State(), BreakerClosed; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	failNTimes(b, 3)

	time.Sleep(60 * time.Millisecond)
	if err := b.Do(func() error { return errDownstream }); err != errDownstream {
		t.Fatalf("probe returned %v, want %v", err, errDownstream)
	}
	if have, want := b.State(), BreakerOpen; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	failNTimes(b, 3)
	b.Reset()
	if have, want := b.State(), BreakerClosed; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
}

func TestBreakerStats(t *testing.T) {
	b := NewCircuitBreaker("api", fastBreakerConfig())
	b.Do(func() error { return nil })
	b.Do(func() error { return errDownstream })

	s := b.Stats()
	if have, want := s.Name, "api"; have != want {
		t.Errorf("Name = %q, want %q", have, want)
	}
	if have, want := s.WindowCalls, 2; have != want {
		t.Errorf("WindowCalls = %d, want %d", have, want)
	}
	if have, want := s.Failures, 1; have != want {
		t.Errorf("Failures = %d, want %d", have, want)
	}
	if have, want := s.FailureRate, 50.0; have != want {
		t.Errorf("FailureRate = %f, want %f", have, want)
	}
	if have, want := s.TotalCalls, int64(2); have != want {
		t.Errorf("TotalCalls = %d, want %d", have, want)
	}
	if have, want := s.TotalSuccesses, int64(1); have != want {
		t.Errorf("TotalSuccesses = %d, want %d", have, want)
	}
	if have, want := s.TotalFailures, int64(1); have != want {
		t.Errorf("TotalFailures = %d, want %d", have, want)
	}
	if s.LastStateChange == 0 {
		t.Error("LastStateChange = 0, want set")
	}
}

func TestBreakerLifetimeCountersSurviveReset(t *testing.T) {
	b := NewCircuitBreaker("test", fastBreakerConfig())
	b.Do(func() error { return nil })
	failNTimes(b, 3) // trips; rejected calls are not recorded

	before := b.Stats().LastStateChange
	b.Reset()

	s := b.Stats()
	if have, want := s.State, BreakerClosed; have != want {
		t.Fatalf("State = %v, want %v", have, want)
	}
	if have, want := s.WindowCalls, 0; have != want {
		t.Errorf("WindowCalls = %d, want %d", have, want)
	}
	// The success, then two failures until the 66% failure rate trips
	// the breaker. The third failure is rejected and not recorded.
	if have, want := s.TotalCalls, int64(3); have != want {
		t.Errorf("TotalCalls = %d, want %d", have, want)
	}
	if have, want := s.TotalFailures, int64(2); have != want {
		t.Errorf("TotalFailures = %d, want %d", have, want)
	}
	if have, want := s.TotalSuccesses, int64(1); have != want {
		t.Errorf("TotalSuccesses = %d, want %d", have, want)
	}
	if s.LastStateChange < before {
		t.Errorf("LastStateChange = %d, want >= %d", s.LastStateChange, before)
	}
}

func TestBreakerSetLazyCreation(t *testing.T) {
	set := NewBreakerSet(ExternalAPIConfig())
	a := set.Get("a")
	if a == nil {
		t.Fatal("Get returned nil")
	}
	if have, want := set.Get("a"), a; have != want {
		t.Error("Get created a second breaker for the same name")
	}
	if !set.Reset("a") {
		t.Error("Reset = false for existing breaker")
	}
	if set.Reset("nope") {
		t.Error("Reset = true for unknown breaker")
	}
	if have, want := len(set.Stats()), 1; have != want {
		t.Errorf("len(Stats) = %d, want %d", have, want)
	}
}
