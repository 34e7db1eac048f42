package pipeline

import "time"

// Options configures an Engine. Zero-value fields are replaced by
// defaultOptions()'s values; pass Option functions to NewEngine to override
// them one at a time, in the teacher's functional-options style.
type Options struct {
	// InboxBuffer is the per-node signal inbox channel capacity.
	InboxBuffer int

	// TriggerPollInterval is how often a Resource node's Trigger is
	// re-evaluated when it has no predecessors to wait on (§4.3).
	TriggerPollInterval time.Duration

	// DefaultNodeTimeout bounds a node's Execute call when its Policy
	// does not set one explicitly.
	DefaultNodeTimeout time.Duration

	// PauseBackoff is how long runNode sleeps between PAUSED emissions
	// while a node is held paused (§4.1).
	PauseBackoff time.Duration

	// HandshakeRetryInterval is how long Setup waits between /connect
	// attempts against a WaitForConnection node's remote successors
	// while the peer is unreachable (§4.5: "setup stalls until the peer
	// becomes reachable").
	HandshakeRetryInterval time.Duration

	// Metrics, when set, receives Prometheus observations for every node
	// transition, retry, and signal. Nil disables metrics collection.
	Metrics *PrometheusMetrics
}

func defaultOptions() Options {
	return Options{
		InboxBuffer:            32,
		TriggerPollInterval:    5 * time.Second,
		DefaultNodeTimeout:     30 * time.Second,
		PauseBackoff:           250 * time.Millisecond,
		HandshakeRetryInterval: 2 * time.Second,
	}
}

// Option mutates an Options value. Functions named With* apply a single
// field, so callers chain only the settings they care about:
//
//	eng, err := pipeline.NewEngine(id, nodes, store, emitter, sender,
//	    pipeline.WithInboxBuffer(64),
//	    pipeline.WithTriggerPollInterval(2*time.Second),
//	)
type Option func(*Options)

// WithInboxBuffer sets the per-node signal inbox channel capacity.
//
// Default: 32. Increase for nodes with many fast predecessors that may
// emit run_start signals faster than the node reaches its WAITING state.
func WithInboxBuffer(n int) Option {
	return func(o *Options) { o.InboxBuffer = n }
}

// WithTriggerPollInterval sets how often a predecessor-less Resource
// node's Trigger.Evaluate is re-polled.
//
// Default: 5s.
func WithTriggerPollInterval(d time.Duration) Option {
	return func(o *Options) { o.TriggerPollInterval = d }
}

// WithDefaultNodeTimeout sets the execution timeout applied to nodes
// whose Policy leaves Timeout unset.
//
// Default: 30s. Individual nodes can override via NodePolicy.Timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

// WithPauseBackoff sets the sleep interval between PAUSED status
// emissions while a node is paused.
//
// Default: 250ms.
func WithPauseBackoff(d time.Duration) Option {
	return func(o *Options) { o.PauseBackoff = d }
}

// WithHandshakeRetryInterval sets how long Setup waits between /connect
// retries against an unreachable remote successor.
//
// Default: 2s.
func WithHandshakeRetryInterval(d time.Duration) Option {
	return func(o *Options) { o.HandshakeRetryInterval = d }
}

// WithMetrics enables Prometheus metrics collection for node transitions,
// retries, and signal delivery.
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	eng, err := pipeline.NewEngine(id, nodes, store, emitter, sender,
//	    pipeline.WithMetrics(metrics),
//	)
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Options) { o.Metrics = metrics }
}
