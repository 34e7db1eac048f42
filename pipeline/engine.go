package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacostia-dev/anacostia-go/pipeline/status"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// RemoteSender delivers signals to, and performs the §4.2 handshake
// with, a node hosted by another pipeline process — implemented by the
// connector package. The engine depends only on this narrow interface
// to avoid an import cycle between pipeline and connector.
type RemoteSender interface {
	Connect(ctx context.Context, ref RemoteRef) error
	SendSignal(ctx context.Context, ref RemoteRef, sig Signal) error
}

// Engine runs one pipeline's node lifecycle state machine (§4.1). It owns
// every Node's inbox, routes local signals directly and remote signals
// through a RemoteSender, and fans every transition out through a
// status.Emitter.
//
// This replaces the teacher's generic step-function Engine[S], which
// advanced one shared state through a frontier of homogeneous nodes one
// super-step at a time. Anacostia nodes are long-lived goroutines, each
// running its own state machine against a shared MetadataStore, so the
// engine here is a supervisor over per-node loops rather than a
// step-by-step interpreter.
type Engine struct {
	pipelineID string
	nodes      []*Node // topological order
	byID       map[string]*Node
	store      store.MetadataStore
	emitter    status.Emitter
	sender     RemoteSender

	opts Options

	runnableNodes int

	mu          sync.Mutex
	inboxes     map[string]*inbox
	paused      map[string]bool
	runTerminal map[int64]int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine assembles nodes into a validated topology and returns an
// Engine ready for Setup/Launch/Teardown.
func NewEngine(pipelineID string, nodes []*Node, st store.MetadataStore, emitter status.Emitter, sender RemoteSender, opts ...Option) (*Engine, error) {
	ordered, err := assemble(nodes)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}

	e := &Engine{
		pipelineID: pipelineID,
		nodes:      ordered,
		byID:       make(map[string]*Node, len(ordered)),
		store:      st,
		emitter:    emitter,
		sender:     sender,
		opts:       o,
		inboxes:     make(map[string]*inbox, len(ordered)),
		paused:      make(map[string]bool),
		runTerminal: make(map[int64]int),
	}
	for _, n := range ordered {
		e.byID[n.ID] = n
		e.inboxes[n.ID] = newInbox(o.InboxBuffer)
		if n.Kind != MetadataStoreKind {
			e.runnableNodes++
		}
	}
	return e, nil
}

// Setup runs every node's Strategy.Setup in topological order, registers
// each node with the MetadataStore, and — for a node with
// WaitForConnection set — blocks in INITIALIZING until every
// RemoteSuccessor has completed the /connect handshake (§4.1, §4.5,
// §7).
func (e *Engine) Setup(ctx context.Context) error {
	for _, n := range e.nodes {
		if err := e.store.AddNode(ctx, store.NodeDescriptor{
			ID:     n.ID,
			Kind:   string(n.Kind),
			Remote: len(n.RemotePredecessors) > 0 || len(n.RemoteSuccessors) > 0,
		}); err != nil {
			return fmt.Errorf("pipeline: register node %s: %w", n.ID, err)
		}
		e.emit(n.ID, 0, status.Initializing, nil)
		rc := &RunContext{PipelineID: e.pipelineID, NodeID: n.ID, Store: e.store}
		if err := n.Strategy.Setup(ctx, rc); err != nil {
			return &NodeError{Message: "setup failed", Code: "SETUP_FAILED", NodeID: n.ID, Cause: err}
		}
		if n.WaitForConnection {
			if err := e.awaitHandshakes(ctx, n); err != nil {
				return &NodeError{Message: "handshake failed", Code: "HANDSHAKE_FAILED", NodeID: n.ID, Cause: err}
			}
		}
	}
	return nil
}

// awaitHandshakes blocks n in INITIALIZING until the /connect handshake
// with every one of its RemoteSuccessors has succeeded, retrying an
// unreachable peer at HandshakeRetryInterval (§4.5: "setup stalls until
// the peer becomes reachable").
func (e *Engine) awaitHandshakes(ctx context.Context, n *Node) error {
	if e.sender == nil || len(n.RemoteSuccessors) == 0 {
		return nil
	}
	for _, ref := range n.RemoteSuccessors {
		for {
			if err := e.sender.Connect(ctx, ref); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.HandshakeRetryInterval):
			}
		}
	}
	return nil
}

// Launch starts every Resource and Action node's lifecycle loop as a
// goroutine and blocks until ctx is canceled. The MetadataStoreKind node
// is infrastructure, not a per-run participant: it got its Setup/Teardown
// in Setup/Teardown and otherwise just serves reads and writes through
// the store handle, so it never enters the QUEUED/EXECUTING cycle.
func (e *Engine) Launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, n := range e.nodes {
		if n.Kind == MetadataStoreKind {
			continue
		}
		e.wg.Add(1)
		go func(n *Node) {
			defer e.wg.Done()
			e.runNode(runCtx, n)
		}(n)
	}
	<-runCtx.Done()
	e.wg.Wait()
}

// Teardown runs every node's Strategy.Teardown in reverse topological
// order (§7) and cancels any still-running node loops.
func (e *Engine) Teardown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var firstErr error
	for _, n := range reverse(e.nodes) {
		rc := &RunContext{PipelineID: e.pipelineID, NodeID: n.ID, Store: e.store}
		if err := n.Strategy.Teardown(ctx, rc); err != nil && firstErr == nil {
			firstErr = &NodeError{Message: "teardown failed", Code: "TEARDOWN_FAILED", NodeID: n.ID, Cause: err}
		}
	}
	return firstErr
}

// Pause holds nodeID in PAUSED after its current run completes, refusing
// to advance past its wait state until Resume is called.
func (e *Engine) Pause(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[nodeID] = true
}

// Resume clears a prior Pause for nodeID.
func (e *Engine) Resume(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paused, nodeID)
}

func (e *Engine) isPaused(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[nodeID]
}

// DeliverSignal routes an inbound signal to its destination's inbox. It is
// called both internally (local edges) and by the connector's /signal
// handler (remote edges).
func (e *Engine) DeliverSignal(sig Signal) bool {
	e.mu.Lock()
	ib, ok := e.inboxes[sig.To]
	e.mu.Unlock()
	if !ok {
		return false
	}
	delivered := ib.deliver(sig)
	if !delivered {
		if m := e.opts.Metrics; m != nil {
			m.SignalsDroppedTotal.WithLabelValues(e.pipelineID, "stale").Inc()
		}
	}
	return delivered
}

// runNode drives one node's lifecycle loop: wait for the node's turn to
// run, either execute it or propagate a skip, repeat. A resource node
// with no predecessors self-triggers via its Trigger.Evaluate; every
// other node waits for the pipeline-wide run_start broadcast to learn
// the run_id, then for a success/failure/skip signal from each of its
// predecessors before deciding whether to execute (§4.1).
func (e *Engine) runNode(ctx context.Context, n *Node) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		runID, proceed, err := e.awaitNextRun(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.emit(n.ID, 0, status.Error, map[string]any{"error": err.Error()})
			continue
		}

		for e.isPaused(n.ID) {
			e.emit(n.ID, runID, status.Paused, nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.PauseBackoff):
			}
		}

		if !proceed {
			// A predecessor signalled failure or skip: this node's
			// terminal state for the run is SKIPPED without executing
			// (§4.1 transition 1, §8 invariant 6).
			e.emit(n.ID, runID, status.Skipped, nil)
			e.fanOut(ctx, n, Signal{From: n.ID, RunID: runID, Kind: SignalSkip, Sent: time.Now()})
			e.noteNodeTerminal(ctx, runID)
			continue
		}

		e.runOnce(ctx, n, runID)
	}
}

// awaitNextRun blocks until n should either execute (proceed=true) or
// skip (proceed=false) for the returned run_id.
func (e *Engine) awaitNextRun(ctx context.Context, n *Node) (runID int64, proceed bool, err error) {
	predecessorCount := len(n.LocalPredecessors) + len(n.RemotePredecessors)
	if predecessorCount == 0 {
		if trigger, ok := n.Strategy.(Trigger); ok {
			runID, err = e.pollTrigger(ctx, n, trigger)
		} else {
			// A predecessor-less node with no Trigger starts a run
			// immediately whenever its prior run completes (e.g. a
			// standalone periodic action).
			runID, err = e.nextRunID(ctx)
		}
		if err != nil {
			return 0, false, err
		}
		e.emit(n.ID, runID, status.Queued, nil)
		e.propagateRunStart(ctx, n, runID)
		return runID, true, nil
	}

	e.emit(n.ID, 0, e.waitStatus(n), nil)
	runID, err = e.awaitRunStart(ctx, n)
	if err != nil {
		return 0, false, err
	}
	e.emit(n.ID, runID, status.Queued, nil)
	e.propagateRunStart(ctx, n, runID)

	allSuccess, err := e.awaitPredecessorOutcomes(ctx, n, runID, predecessorCount)
	if err != nil {
		return 0, false, err
	}
	return runID, allSuccess, nil
}

// awaitRunStart blocks until a run_start signal for a new run reaches n's
// inbox, returning the broadcast run_id. Stray non-run_start signals
// encountered while waiting are discarded as leftovers from a prior run;
// causality (a predecessor only signals an outcome after observing
// run_start itself, via propagateRunStart) guarantees a genuine outcome
// for the new run cannot arrive here first.
func (e *Engine) awaitRunStart(ctx context.Context, n *Node) (int64, error) {
	ib := e.inboxes[n.ID]
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case sig := <-ib.ch:
			if sig.Kind == SignalRunStart {
				return sig.RunID, nil
			}
		}
	}
}

// awaitPredecessorOutcomes collects one success/failure/skip signal per
// predecessor for runID, returning true only if every predecessor
// signalled success (§4.1 transition 1).
func (e *Engine) awaitPredecessorOutcomes(ctx context.Context, n *Node, runID int64, count int) (bool, error) {
	ib := e.inboxes[n.ID]
	seen := make(map[string]bool, count)
	allSuccess := true
	for len(seen) < count {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case sig := <-ib.ch:
			if sig.Kind == SignalRunStart || sig.RunID != runID || seen[sig.From] {
				continue
			}
			seen[sig.From] = true
			if sig.Kind != SignalSuccess {
				allSuccess = false
			}
		}
	}
	return allSuccess, nil
}

// propagateRunStart forwards the run_start broadcast one hop further
// along n's outgoing edges, local and remote, so the broadcast floods the
// whole DAG (and, hop by hop, every federated pipeline) without the
// engine needing global knowledge of the topology beyond its own nodes.
func (e *Engine) propagateRunStart(ctx context.Context, n *Node, runID int64) {
	sig := Signal{From: n.ID, RunID: runID, Kind: SignalRunStart, Sent: time.Now()}
	for _, succ := range n.LocalSuccessors {
		s := sig
		s.To = succ
		e.DeliverSignal(s)
	}
	if e.sender == nil {
		return
	}
	for _, ref := range n.RemoteSuccessors {
		s := sig
		s.To = ref.NodeID
		// Best-effort: a dropped run_start broadcast just delays the
		// remote node's WAITING state; the outcome signal sent later
		// from fanOut still retries and reports ERROR on exhaustion.
		_ = e.sender.SendSignal(ctx, ref, s)
	}
}

func (e *Engine) waitStatus(n *Node) status.Status {
	if n.Kind == ResourceKind {
		return status.WaitingResource
	}
	return status.WaitingMetrics
}

// pollTrigger repeatedly calls trigger.Evaluate until it reports true or
// ctx is canceled, per §4.4's detect -> create_entry -> re-evaluate loop.
func (e *Engine) pollTrigger(ctx context.Context, n *Node, trigger Trigger) (int64, error) {
	interval := e.opts.TriggerPollInterval
	rc := &RunContext{PipelineID: e.pipelineID, NodeID: n.ID, Store: e.store}
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		ready, err := trigger.Evaluate(ctx, rc)
		if err != nil {
			return 0, err
		}
		if ready {
			return e.nextRunID(ctx)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// nextRunID starts a new run on the MetadataStore, enforcing the
// single-active-run invariant (§3). Callers that lose the race (another
// node already started this run) just reuse the ActiveRun.
func (e *Engine) nextRunID(ctx context.Context) (int64, error) {
	run, err := e.store.StartRun(ctx)
	if err == store.ErrRunAlreadyActive {
		run, err = e.store.ActiveRun(ctx)
	}
	if err != nil {
		return 0, err
	}
	return run.ID, nil
}

// runOnce executes one QUEUED -> PREPARATION -> EXECUTING -> CLEANUP ->
// terminal cycle for n, then signals successors (§4.1).
func (e *Engine) runOnce(ctx context.Context, n *Node, runID int64) {
	rc := &RunContext{PipelineID: e.pipelineID, NodeID: n.ID, Store: e.store}
	if run, err := e.store.ActiveRun(ctx); err == nil {
		rc.Run = run
	}

	e.emit(n.ID, runID, status.Preparation, nil)
	e.emit(n.ID, runID, status.Executing, nil)

	if m := e.opts.Metrics; m != nil {
		m.NodesInflight.WithLabelValues(e.pipelineID).Inc()
	}
	started := time.Now()
	ok, err := e.executeWithRetry(ctx, n, rc)
	if m := e.opts.Metrics; m != nil {
		m.NodesInflight.WithLabelValues(e.pipelineID).Dec()
		m.ExecuteLatencyMs.WithLabelValues(e.pipelineID, n.ID).Observe(float64(time.Since(started).Milliseconds()))
	}

	e.emit(n.ID, runID, status.Cleanup, nil)

	final := status.Complete
	kind := SignalSuccess
	var meta map[string]any
	switch {
	case err != nil:
		final = status.Failure
		kind = SignalFailure
		meta = map[string]any{"error": err.Error()}
	case !ok:
		final = status.Skipped
		kind = SignalSkip
	}
	e.emit(n.ID, runID, final, meta)

	e.fanOut(ctx, n, Signal{From: n.ID, RunID: runID, Kind: kind, Sent: time.Now()})
	e.noteNodeTerminal(ctx, runID)
}

// noteNodeTerminal records that one more node has reached a terminal
// state (COMPLETE, SKIPPED, FAILURE, or ERROR) for runID. Once every
// node in the pipeline has reported in, the run ends on the metadata
// store via EndRun, freeing the single-active-run slot for the next
// trigger. EndRun only closes the run; it does not change any artifact's
// state.
func (e *Engine) noteNodeTerminal(ctx context.Context, runID int64) {
	e.mu.Lock()
	e.runTerminal[runID]++
	done := e.runTerminal[runID] >= e.runnableNodes
	if done {
		delete(e.runTerminal, runID)
	}
	e.mu.Unlock()

	if done {
		_ = e.store.EndRun(ctx)
	}
}

// executeWithRetry wraps Strategy.Execute with the node's timeout and
// retry policy (§4.1, §7: transient EXECUTING failures retry before
// settling on FAILURE).
func (e *Engine) executeWithRetry(ctx context.Context, n *Node, rc *RunContext) (bool, error) {
	retry := n.Policy.retryPolicyOrDefault()
	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		ok, err := executeWithTimeout(ctx, n.ID, n.Policy, e.opts.DefaultNodeTimeout, func(c context.Context) (bool, error) {
			return n.Strategy.Execute(c, rc)
		})
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !retry.retryable(err) {
			break
		}
		if attempt < retry.MaxAttempts-1 {
			if m := e.opts.Metrics; m != nil {
				m.RetriesTotal.WithLabelValues(e.pipelineID, n.ID).Inc()
			}
			delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, nil)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return false, lastErr
}

// fanOut delivers sig (with destination filled in) to every local and
// remote successor.
func (e *Engine) fanOut(ctx context.Context, n *Node, sig Signal) {
	m := e.opts.Metrics
	for _, succ := range n.LocalSuccessors {
		s := sig
		s.To = succ
		if e.DeliverSignal(s) && m != nil {
			m.SignalsSentTotal.WithLabelValues(e.pipelineID, string(s.Kind)).Inc()
		}
	}
	if e.sender == nil {
		return
	}
	for _, ref := range n.RemoteSuccessors {
		s := sig
		s.To = ref.NodeID
		if err := e.sender.SendSignal(ctx, ref, s); err != nil {
			e.emit(n.ID, sig.RunID, status.Error, map[string]any{"error": err.Error(), "remote_successor": ref.NodeID})
			continue
		}
		if m != nil {
			m.SignalsSentTotal.WithLabelValues(e.pipelineID, string(s.Kind)).Inc()
		}
	}
}

func (e *Engine) emit(nodeID string, runID int64, s status.Status, meta map[string]any) {
	if m := e.opts.Metrics; m != nil {
		m.NodeTransitions.WithLabelValues(e.pipelineID, nodeID, string(s)).Inc()
	}
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(status.Event{
		PipelineID: e.pipelineID,
		NodeID:     nodeID,
		RunID:      runID,
		Status:     s,
		Timestamp:  time.Now(),
		Meta:       meta,
	})
}

func (p *NodePolicy) retryPolicyOrDefault() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return *p.RetryPolicy
	}
	return RetryPolicy{MaxAttempts: 1}
}
