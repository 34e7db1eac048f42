package pipeline

import (
	"context"

	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// Kind is the role a node plays in a pipeline, per §2. Exactly one
// MetadataStoreKind node is required per pipeline (§6); Resource and Action
// nodes are unbounded.
//
// The teacher's Node[S] was generic over one state type threaded through
// homogeneous nodes. Anacostia's nodes are heterogeneous by Kind and keep
// their state in the MetadataStore, not in a threaded value, so the type
// parameter is dropped in favor of this closed Kind enum plus Strategy.
type Kind string

const (
	MetadataStoreKind Kind = "metadata_store"
	ResourceKind       Kind = "resource"
	ActionKind         Kind = "action"
)

// RemoteRef names a node hosted by another pipeline process, reached
// through the connector protocol (§4.2, §6) rather than a local edge.
type RemoteRef struct {
	// PipelineAddr is the base URL of the remote pipeline's HTTP server.
	PipelineAddr string
	// NodeID is the node's identifier within the remote pipeline.
	NodeID string
}

// Strategy implements a node's behavior for its Kind. Setup and Teardown
// run once, in topological order, around the pipeline's lifetime (§7).
// Execute runs once per run, during EXECUTING, and its bool result is the
// "did work happen" signal that action nodes use to decide between
// success and skip (§4.1).
//
// A Strategy is intentionally opaque at the Execute boundary: what happens
// inside is the caller's business logic, not Anacostia's concern (Non-goal,
// §1). The lifecycle engine only needs Setup/Execute/Teardown plus,
// for Resource nodes, Evaluate.
type Strategy interface {
	// Setup prepares the node (e.g. opens a database handle, validates
	// config) before the pipeline starts accepting runs.
	Setup(ctx context.Context, rc *RunContext) error

	// Execute performs the node's EXECUTING-state work for the active run.
	// ok=false with a nil error means "nothing to do", which action nodes
	// report as SKIPPED rather than COMPLETE (§4.1).
	Execute(ctx context.Context, rc *RunContext) (ok bool, err error)

	// Teardown releases resources acquired in Setup, run once in reverse
	// topological order during pipeline shutdown (§7).
	Teardown(ctx context.Context, rc *RunContext) error
}

// Trigger is implemented by Resource-kind strategies that additionally
// decide when a new run should start, per §4.3/§4.4. For a node with no
// predecessors, the engine polls Evaluate every TriggerPollInterval; a
// true result causes the node to request run_start.
type Trigger interface {
	Strategy
	Evaluate(ctx context.Context, rc *RunContext) (bool, error)
}

// RunContext is handed to every Strategy call. It exposes the pipeline's
// MetadataStore, the node's own identity, and the active run, so a
// Strategy can create/promote artifact entries and log metrics without
// reaching outside the lifecycle engine's bookkeeping.
type RunContext struct {
	PipelineID string
	NodeID     string
	Run        store.Run
	Store      store.MetadataStore
}

// StrategyFunc adapts a plain Execute function into a Strategy with no-op
// Setup/Teardown, for simple Action nodes (mirrors the teacher's NodeFunc
// adapter).
type StrategyFunc func(ctx context.Context, rc *RunContext) (bool, error)

func (f StrategyFunc) Setup(context.Context, *RunContext) error    { return nil }
func (f StrategyFunc) Execute(ctx context.Context, rc *RunContext) (bool, error) {
	return f(ctx, rc)
}
func (f StrategyFunc) Teardown(context.Context, *RunContext) error { return nil }

// Node is one vertex of a pipeline's DAG: an identity, a Kind, its local
// and remote wiring, and the Strategy implementing its behavior.
type Node struct {
	ID     string
	Kind   Kind
	Policy *NodePolicy

	LocalPredecessors []string
	LocalSuccessors   []string

	RemotePredecessors []RemoteRef
	RemoteSuccessors   []RemoteRef

	// WaitForConnection, when true, holds the node in INITIALIZING during
	// Engine.Setup until every RemoteSuccessor's /connect handshake has
	// completed (§4.1, §4.5 launch step 1, §6 per-node option).
	WaitForConnection bool

	Strategy Strategy
}
