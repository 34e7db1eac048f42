// Package store provides MetadataStore implementations backing the
// metadata-store contract described in §3 and §6: run bookkeeping,
// artifact-entry tracking with never-regressing state, and per-run metric
// logging, queried by resource monitors and the HTTP RPC proxies alike.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, node, or entry does not
// exist.
var ErrNotFound = errors.New("store: not found")

// ErrRunAlreadyActive is returned by StartRun when a pipeline already has a
// run in progress; per §3 a pipeline has at most one active run at a time.
var ErrRunAlreadyActive = errors.New("store: a run is already active")

// ErrNoActiveRun is returned by EndRun and LogMetric when no run is
// currently active. CreateEntry never returns it: an entry detected
// before any run exists is stored pending (RunID 0) and adopted by the
// next StartRun (§3, §4.4).
var ErrNoActiveRun = errors.New("store: no active run")

// ArtifactState is the lifecycle state of an artifact entry within a node's
// catalog, per §3. An entry only ever advances new -> current -> old; it
// never regresses.
type ArtifactState string

const (
	// StateNew marks a newly recorded entry, not yet promoted: created
	// during the active run, or pending before any run (RunID 0).
	StateNew ArtifactState = "new"
	// StateCurrent marks the entry a node's consumers should use.
	StateCurrent ArtifactState = "current"
	// StateOld marks a previously-current entry retired by a later
	// promotion.
	StateOld ArtifactState = "old"
)

// rank orders states so promotion/demotion can be checked for monotonicity.
var rank = map[ArtifactState]int{
	StateNew:     0,
	StateCurrent: 1,
	StateOld:     2,
}

// Regresses reports whether transitioning from s to next would violate the
// never-regress invariant (new -> current -> old only).
func (s ArtifactState) Regresses(next ArtifactState) bool {
	return rank[next] < rank[s]
}

// Run is one pipeline execution, identified by a monotonically increasing
// RunID (§3 Run).
type Run struct {
	ID        int64
	StartedAt time.Time
	EndedAt   *time.Time
}

// Active reports whether the run has not yet ended.
func (r Run) Active() bool {
	return r.EndedAt == nil
}

// Artifact is one entry in a node's artifact catalog.
type Artifact struct {
	ID        int64
	NodeID    string
	RunID     int64
	State     ArtifactState
	Location  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Metric is a single named measurement logged against a run and node.
type Metric struct {
	NodeID    string
	RunID     int64
	Name      string
	Value     float64
	Timestamp time.Time
}

// NodeDescriptor records a node registered with the metadata store via
// AddNode and listed by Nodes. The connector's RPC handlers and the
// pipeline's /graph view do not read it.
type NodeDescriptor struct {
	ID     string
	Kind   string
	Remote bool
}

// RunSummary reports a run together with the number of registered nodes
// (NumNodes). The store does not record per-node outcomes, so every
// backend leaves Completed and Failed at zero.
type RunSummary struct {
	Run       Run
	NumNodes  int
	Completed int
	Failed    int
}

// MetadataStore is the contract every pipeline has exactly one of (§3, §6):
// the single source of truth for run identity, artifact cataloging, and
// metric history. Resource monitors, node EXECUTING callbacks, and the
// connector's RPC proxies all read and write through this interface.
//
// Implementations must serialize StartRun against the single-active-run
// invariant and must never allow an artifact entry's State to regress.
type MetadataStore interface {
	// StartRun begins a new run. Returns ErrRunAlreadyActive if a run is
	// already active for this pipeline.
	StartRun(ctx context.Context) (Run, error)

	// EndRun closes the active run. Returns ErrNoActiveRun if none is
	// active.
	EndRun(ctx context.Context) error

	// ActiveRun returns the currently active run, or ErrNotFound if none.
	ActiveRun(ctx context.Context) (Run, error)

	// CreateEntry records a new artifact entry for nodeID in state
	// StateNew, scoped to the active run if one exists. With no active
	// run it is still recorded, pending adoption by the next StartRun
	// (§3, §4.4).
	CreateEntry(ctx context.Context, nodeID string, location string, metadata map[string]any) (Artifact, error)

	// PromoteEntry transitions an entry to StateCurrent, demoting any
	// previously current entry for the same node to StateOld. Returns an
	// error if the transition would regress the entry's own state.
	PromoteEntry(ctx context.Context, artifactID int64) error

	// GetNumEntries counts artifact entries for nodeID, optionally
	// filtered by state (empty string means all states).
	GetNumEntries(ctx context.Context, nodeID string, state ArtifactState) (int, error)

	// EntryExists reports whether an entry exists at location for nodeID.
	EntryExists(ctx context.Context, nodeID string, location string) (bool, error)

	// ListEntries returns a node's entries in creation order, optionally
	// filtered by state.
	ListEntries(ctx context.Context, nodeID string, state ArtifactState) ([]Artifact, error)

	// LogMetric records a metric value against the active run and nodeID.
	LogMetric(ctx context.Context, nodeID string, name string, value float64) error

	// GetMetrics retrieves a node's logged metrics, optionally scoped to a
	// single runID (0 means all runs).
	GetMetrics(ctx context.Context, nodeID string, runID int64) ([]Metric, error)

	// AddNode registers a node descriptor, later listed by Nodes.
	AddNode(ctx context.Context, node NodeDescriptor) error

	// Nodes lists every registered node descriptor.
	Nodes(ctx context.Context) ([]NodeDescriptor, error)

	// RunSummary returns runID's run and the registered node count;
	// Completed and Failed are not populated.
	RunSummary(ctx context.Context, runID int64) (RunSummary, error)

	// Close releases any underlying resources (database handles, etc).
	Close() error
}
