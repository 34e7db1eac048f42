package pipeline

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout determines the EXECUTING timeout for a node based on
// precedence:
//  1. NodePolicy.Timeout (per-node override)
//  2. defaultTimeout (pipeline-wide default)
//  3. 0 (no timeout, unlimited execution)
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeWithTimeout wraps a node's EXECUTING step with timeout enforcement,
// returning a *NodeError with code NODE_TIMEOUT when the deadline elapses
// before fn returns.
func executeWithTimeout(ctx context.Context, nodeID string, policy *NodePolicy, defaultTimeout time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	timeout := getNodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fn(timeoutCtx)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return false, &NodeError{
			Message: fmt.Sprintf("exceeded EXECUTING timeout of %v", timeout),
			Code:    "NODE_TIMEOUT",
			NodeID:  nodeID,
			Cause:   timeoutCtx.Err(),
		}
	}
	return ok, err
}

// runDeadlineContext returns a context bound to a run's deadline. A zero
// deadline means unbounded, matching §5's default.
func runDeadlineContext(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	if deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, deadline)
}
