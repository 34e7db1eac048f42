package connector_test

import (
	"context"
	"testing"
	"time"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/connector"
	"github.com/anacostia-dev/anacostia-go/pipeline/status"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func newTestEngine(t *testing.T) *pipeline.Engine {
	t.Helper()
	st := store.NewMemStore()
	metaNode := &pipeline.Node{ID: "store", Kind: pipeline.MetadataStoreKind, Strategy: pipeline.StrategyFunc(
		func(ctx context.Context, rc *pipeline.RunContext) (bool, error) { return true, nil })}
	remoteFedNode := &pipeline.Node{
		ID:                 "downstream",
		Kind:               pipeline.ActionKind,
		RemotePredecessors: []pipeline.RemoteRef{{PipelineAddr: "http://upstream.example", NodeID: "upstream"}},
		Strategy: pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
			return true, nil
		}),
	}
	engine, err := pipeline.NewEngine("receiver-test", []*pipeline.Node{metaNode, remoteFedNode}, st, status.NewNullEmitter(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestReceiver_DeliverDedupesRepeatedSignal(t *testing.T) {
	engine := newTestEngine(t)
	receiver := connector.NewReceiver(engine)

	sig := pipeline.Signal{From: "upstream", To: "downstream", RunID: 1, Kind: pipeline.SignalRunStart, Sent: time.Now()}

	if !receiver.Deliver(sig) {
		t.Fatal("expected first delivery of a fresh (from, to, run_id, kind) signal to succeed")
	}
	// A repeated delivery of the same (from, to, run_id, kind) must be a
	// no-op that still reports success, not a rejection.
	if !receiver.Deliver(sig) {
		t.Fatal("expected a repeated delivery to be treated as an idempotent no-op")
	}
}

// TestReceiver_DeliverDoesNotDedupeDifferentKindsForSameRun reproduces
// the real federated sequence: a predecessor with a remote successor
// sends a run_start broadcast and, later, the run's outcome signal, both
// with the same (From, RunID). The outcome must still reach the engine
// even though a run_start for the same pair was already delivered.
func TestReceiver_DeliverDoesNotDedupeDifferentKindsForSameRun(t *testing.T) {
	engine := newTestEngine(t)
	receiver := connector.NewReceiver(engine)

	runStart := pipeline.Signal{From: "upstream", To: "downstream", RunID: 1, Kind: pipeline.SignalRunStart, Sent: time.Now()}
	outcome := pipeline.Signal{From: "upstream", To: "downstream", RunID: 1, Kind: pipeline.SignalSuccess, Sent: time.Now()}

	if !receiver.Deliver(runStart) {
		t.Fatal("expected the run_start broadcast to be delivered")
	}
	if !receiver.Deliver(outcome) {
		t.Fatal("expected the outcome signal for the same (from, run_id) to still be delivered, not swallowed as a duplicate")
	}
}

func TestReceiver_DeliverRejectsUnknownDestination(t *testing.T) {
	engine := newTestEngine(t)
	receiver := connector.NewReceiver(engine)

	sig := pipeline.Signal{From: "upstream", To: "no-such-node", RunID: 1, Kind: pipeline.SignalRunStart, Sent: time.Now()}
	if receiver.Deliver(sig) {
		t.Fatal("expected delivery to an unregistered node ID to fail")
	}
}
