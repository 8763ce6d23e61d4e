// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType is the verdict of error classification.
type ErrorType string

const (
	// PermanentError means the failure is not recoverable by retrying:
	// bad input, programming defects, auth failures.
	PermanentError ErrorType = "PERMANENT"
	// TransientError means the failure may recover on retry: network
	// blips, timeouts, resource contention, rate limiting.
	TransientError ErrorType = "TRANSIENT"
)

// Classification is the result of inspecting a job failure. The
// suggested fields are hints for the retry delay computation; zero
// suggestions mean "use the defaults".
type Classification struct {
	Type                 ErrorType
	ShouldRetry          bool
	Reason               string
	Strategy             string
	SuggestedMaxRetries  int
	SuggestedBaseDelayMs int64
	SuggestedMultiplier  float64
}

// Unknown reports whether the classification fell through to the
// conservative default. Callers should log these loudly: the verdict
// is a guess, not a confident classification.
func (c Classification) Unknown() bool { return c.Strategy == "unknown" }

// Per-strategy retry suggestions. Rate limits get few retries with
// long delays; timeouts get a generous budget.
var strategies = map[string]Classification{
	"network":             {Type: TransientError, ShouldRetry: true, Strategy: "network", SuggestedMaxRetries: 3, SuggestedBaseDelayMs: 2000, SuggestedMultiplier: 2.0},
	"timeout":             {Type: TransientError, ShouldRetry: true, Strategy: "timeout", SuggestedMaxRetries: 5, SuggestedBaseDelayMs: 5000, SuggestedMultiplier: 2.5},
	"rate_limit":          {Type: TransientError, ShouldRetry: true, Strategy: "rate_limit", SuggestedMaxRetries: 2, SuggestedBaseDelayMs: 30000, SuggestedMultiplier: 4.0},
	"service_unavailable": {Type: TransientError, ShouldRetry: true, Strategy: "service_unavailable", SuggestedMaxRetries: 4, SuggestedBaseDelayMs: 10000, SuggestedMultiplier: 3.0},
	"database":            {Type: TransientError, ShouldRetry: true, Strategy: "database", SuggestedMaxRetries: 3, SuggestedBaseDelayMs: 1000, SuggestedMultiplier: 2.0},
	"resource_exhaustion": {Type: TransientError, ShouldRetry: true, Strategy: "resource_exhaustion", SuggestedMaxRetries: 2, SuggestedBaseDelayMs: 15000, SuggestedMultiplier: 3.0},
	"unknown":             {Type: TransientError, ShouldRetry: true, Strategy: "unknown", SuggestedMaxRetries: 1, SuggestedBaseDelayMs: 5000, SuggestedMultiplier: 2.0},
	"none":                {Type: PermanentError, ShouldRetry: false, Strategy: "none", SuggestedMultiplier: 1.0},
}

// Classify decides whether a job failure is permanent or transient.
//
// Rules are checked in order; the first match wins. If the top-level
// error is unrecognized the cause chain is unwrapped and each cause is
// classified in turn. Unrecognized errors default to transient so that
// unexpected failures are retried rather than silently dropped.
//
// Classification is deterministic: the same error type, message, and
// job type always yield the same verdict.
func Classify(err error, jobType string, currentRetries, maxRetries int) Classification {
	if currentRetries >= maxRetries {
		c := strategies["none"]
		c.Reason = fmt.Sprintf("Max retries exceeded: %d/%d", currentRetries, maxRetries)
		return c
	}

	// A rejected call on an open breaker is deliberate load shedding,
	// not a defect in the job.
	if errors.Is(err, ErrCircuitOpen) {
		c := strategies["service_unavailable"]
		c.Reason = "Transient failure - circuit breaker is shedding load"
		return c
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := classifyError(e); ok {
			return c
		}
	}

	c := strategies["unknown"]
	c.Reason = fmt.Sprintf("Unknown error %T, defaulting to transient", err)
	return c
}

// classifyError applies the rule chain to a single link of the cause
// chain. It returns false when no rule matches.
func classifyError(err error) (Classification, bool) {
	msg := strings.ToLower(err.Error())

	// Programming/contract errors.
	var numErr *strconv.NumError
	if errors.As(err, &numErr) ||
		errors.Is(err, os.ErrInvalid) ||
		containsAny(msg, "invalid argument", "illegal state", "nil pointer", "index out of range", "interface conversion") {
		return permanent(err, "programming error"), true
	}

	// Security and authorization failures.
	if errors.Is(err, os.ErrPermission) ||
		containsAny(msg, "unauthorized", "forbidden", "authentication", "authorization", "permission denied", "401", "403") {
		return permanent(err, "security failure"), true
	}

	// Missing resources.
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, ErrNotFound) ||
		containsAny(msg, "not found", "does not exist", "no such file", "404") {
		return permanent(err, "resource missing"), true
	}

	// Validation, parse, and malformed-input errors.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		containsAny(msg, "validation", "malformed", "bad request", "unparseable", "invalid", "400") {
		return permanent(err, "validation failure"), true
	}

	// Network, connection, and timeout errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return reasoned("timeout", err), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return reasoned("timeout", err), true
		}
		return reasoned("network", err), true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		containsAny(msg, "connection", "network", "broken pipe") {
		return reasoned("network", err), true
	}
	if containsAny(msg, "timeout", "timed out", "deadline exceeded") {
		return reasoned("timeout", err), true
	}

	// Contended or rate-limited resources.
	if containsAny(msg, "rate limit", "too many requests", "quota exceeded", "throttle", "429") {
		return reasoned("rate_limit", err), true
	}
	if containsAny(msg, "busy", "locked", "deadlock") {
		return reasoned("database", err), true
	}
	if containsAny(msg, "out of memory", "no space left", "disk full", "resource exhausted") {
		return reasoned("resource_exhaustion", err), true
	}

	// Interruption, e.g. a canceled context during shutdown.
	if errors.Is(err, context.Canceled) || containsAny(msg, "interrupted") {
		return reasoned("network", err), true
	}

	// HTTP-style temporary failure signals embedded in messages.
	if containsAny(msg, "502", "503", "504", "service unavailable", "temporarily unavailable", "maintenance") {
		return reasoned("service_unavailable", err), true
	}

	return Classification{}, false
}

func permanent(err error, kind string) Classification {
	c := strategies["none"]
	c.Reason = fmt.Sprintf("Permanent failure - %s (%T) is not recoverable", kind, err)
	return c
}

func reasoned(strategy string, err error) Classification {
	c := strategies[strategy]
	c.Reason = fmt.Sprintf("Transient failure - %T may recover with retry (strategy: %s)", err, strategy)
	return c
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
