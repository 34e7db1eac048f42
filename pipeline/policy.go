// Package pipeline provides the node lifecycle engine and DAG execution core.
package pipeline

import (
	"math/rand"
	"time"
)

// Policy defines node execution policies and connector retry strategies.

// NodePolicy configures the execution behavior for a specific node, including
// its EXECUTING timeout and retry behavior for transient EXECUTING failures.
//
// Policies are attached to nodes and enforced by the lifecycle engine. If not
// specified, the pipeline-wide defaults from Options are used.
type NodePolicy struct {
	// Timeout is the maximum time allowed for this node's EXECUTING state.
	// If zero, Options.DefaultNodeTimeout is used.
	Timeout time.Duration

	// RetryPolicy specifies automatic retry behavior for transient EXECUTING
	// failures. If nil, no retries are attempted and a single failure moves
	// the node straight to FAILURE.
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient failures,
// shared by node EXECUTING retries and connector signal-delivery retries.
//
// When an attempt fails, the retry policy determines whether the failure is
// retryable and how long to wait before the next attempt. Exponential
// backoff with jitter is used to avoid thundering-herd retries across many
// nodes or connectors failing at once.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	MaxDelay time.Duration

	// Retryable determines if an error is retryable. If nil, all errors are
	// considered retryable up to MaxAttempts (the common case for transient
	// transport errors per §7).
	Retryable func(error) bool
}

// DefaultConnectorRetryPolicy is the retry policy used for signal delivery
// (§4.2) when a connector is not configured with its own.
var DefaultConnectorRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// computeBackoff calculates the delay before the next attempt using
// exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter timing, not security-sensitive
	}

	return exponentialDelay + jitter
}

// Validate checks the RetryPolicy for internal consistency.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable reports whether err should trigger another attempt under rp.
func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// IsRetryable is the exported form of retryable, for callers outside the
// package (the connector's signal-delivery retry loop).
func (rp *RetryPolicy) IsRetryable(err error) bool {
	return rp.retryable(err)
}

// ComputeBackoff is the exported form of computeBackoff, for callers
// outside the package that need the same exponential-backoff-with-jitter
// formula (the connector's signal-delivery retry loop).
func ComputeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	return computeBackoff(attempt, base, maxDelay, nil)
}
