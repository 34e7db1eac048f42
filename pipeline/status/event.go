// Package status provides the per-node status fan-out described in §4.6:
// every lifecycle transition is published as an Event to an Emitter, and the
// dashboard SSE endpoint is just one more subscriber multiplexed off a Hub.
package status

import "time"

// Status is a node's lifecycle state. The set of values is closed per §6 —
// callers must not invent new ones, and the dashboard/SSE contract assumes
// this exact list.
type Status string

const (
	Initializing    Status = "INITIALIZING"
	WaitingResource Status = "WAITING_RESOURCE"
	WaitingMetrics  Status = "WAITING_METRICS"
	Queued          Status = "QUEUED"
	Paused          Status = "PAUSED"
	Preparation     Status = "PREPARATION"
	Executing       Status = "EXECUTING"
	Cleanup         Status = "CLEANUP"
	Complete        Status = "COMPLETE"
	Triggered       Status = "TRIGGERED"
	Skipped         Status = "SKIPPED"
	Failure         Status = "FAILURE"
	Error           Status = "ERROR"
)

// terminal is the set of statuses a node does not leave without a new run.
var terminal = map[Status]bool{
	Complete: true,
	Skipped:  true,
	Failure:  true,
	Error:    true,
}

// Terminal reports whether s is a terminal state for a run (§3 Run:
// end_time is set once every node reaches a terminal state).
func (s Status) Terminal() bool {
	return terminal[s]
}

// Event represents one node-status transition, fanned out to the status
// broadcast channel described in §4.6.
type Event struct {
	// PipelineID identifies the pipeline the node belongs to.
	PipelineID string `json:"pipeline_id"`

	// NodeID identifies the node that transitioned.
	NodeID string `json:"node_id"`

	// RunID is the run this transition belongs to. Zero for pipeline-level
	// events emitted outside of any run (e.g. connector handshake).
	RunID int64 `json:"run_id"`

	// Status is the node's new status.
	Status Status `json:"status"`

	// Timestamp records when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Meta carries optional structured detail (e.g. error messages, retry
	// counts) that dashboards may choose to render but that correctness
	// never depends on.
	Meta map[string]any `json:"meta,omitempty"`
}
