package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/status"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func noopStrategy() pipeline.Strategy {
	return pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
		return true, nil
	})
}

func TestEngine_RunsAChainToCompletion(t *testing.T) {
	st := store.NewMemStore()

	executed := make(chan string, 2)
	send := func(name string) {
		select {
		case executed <- name:
		default:
		}
	}

	metaNode := &pipeline.Node{ID: "store", Kind: pipeline.MetadataStoreKind, Strategy: noopStrategy()}
	sourceNode := &pipeline.Node{
		ID:   "source",
		Kind: pipeline.ActionKind,
		Strategy: pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
			send("source")
			return true, nil
		}),
	}
	sinkNode := &pipeline.Node{
		ID:                "sink",
		Kind:              pipeline.ActionKind,
		LocalPredecessors: []string{"source"},
		Strategy: pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
			send("sink")
			return true, nil
		}),
	}

	nodes := []*pipeline.Node{metaNode, sourceNode, sinkNode}
	pipeline.DeriveLocalSuccessors(nodes)

	engine, err := pipeline.NewEngine("test-pipeline", nodes, st, status.NewNullEmitter(), nil,
		pipeline.WithTriggerPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := engine.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	go engine.Launch(ctx)
	defer func() { _ = engine.Teardown(context.Background()) }()

	seen := make(map[string]bool, 2)
	for len(seen) < 2 {
		select {
		case name := <-executed:
			seen[name] = true
		case <-time.After(1500 * time.Millisecond):
			t.Fatalf("timed out waiting for both nodes to execute, saw %v", seen)
		}
	}
}

func TestEngine_SkipPropagatesThroughSuccessors(t *testing.T) {
	st := store.NewMemStore()

	sinkExecuted := make(chan bool, 1)
	metaNode := &pipeline.Node{ID: "store", Kind: pipeline.MetadataStoreKind, Strategy: noopStrategy()}
	sourceNode := &pipeline.Node{
		ID:   "source",
		Kind: pipeline.ActionKind,
		Strategy: pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
			return false, nil // nothing to do: this node reports SKIPPED
		}),
	}
	sinkNode := &pipeline.Node{
		ID:                "sink",
		Kind:              pipeline.ActionKind,
		LocalPredecessors: []string{"source"},
		Strategy: pipeline.StrategyFunc(func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
			select {
			case sinkExecuted <- true:
			default:
			}
			return true, nil
		}),
	}

	nodes := []*pipeline.Node{metaNode, sourceNode, sinkNode}
	pipeline.DeriveLocalSuccessors(nodes)

	engine, err := pipeline.NewEngine("skip-pipeline", nodes, st, status.NewNullEmitter(), nil,
		pipeline.WithTriggerPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := engine.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	go engine.Launch(ctx)
	defer func() { _ = engine.Teardown(context.Background()) }()

	select {
	case <-sinkExecuted:
		t.Fatal("sink should have been skipped, not executed, after its predecessor reported no work")
	case <-time.After(300 * time.Millisecond):
		// Expected: sink never executes because source skipped.
	}
}

// fakeSender lets tests control when a WaitForConnection handshake
// succeeds without spinning up a real connector.Server.
type fakeSender struct {
	mu        sync.Mutex
	connected chan struct{}
	failUntil int
	attempts  int
}

func (f *fakeSender) Connect(ctx context.Context, ref pipeline.RemoteRef) error {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()
	if attempt <= f.failUntil {
		return fmt.Errorf("peer unreachable")
	}
	if f.connected != nil {
		close(f.connected)
		f.connected = nil
	}
	return nil
}

func (f *fakeSender) SendSignal(ctx context.Context, ref pipeline.RemoteRef, sig pipeline.Signal) error {
	return nil
}

func TestEngine_SetupBlocksOnWaitForConnectionUntilHandshakeSucceeds(t *testing.T) {
	st := store.NewMemStore()

	metaNode := &pipeline.Node{ID: "store", Kind: pipeline.MetadataStoreKind, Strategy: noopStrategy()}
	gatedNode := &pipeline.Node{
		ID:                "gated",
		Kind:              pipeline.ActionKind,
		RemoteSuccessors:  []pipeline.RemoteRef{{PipelineAddr: "http://remote.example", NodeID: "downstream"}},
		WaitForConnection: true,
		Strategy:          noopStrategy(),
	}

	nodes := []*pipeline.Node{metaNode, gatedNode}
	pipeline.DeriveLocalSuccessors(nodes)

	sender := &fakeSender{connected: make(chan struct{}), failUntil: 2}
	engine, err := pipeline.NewEngine("gated-pipeline", nodes, st, status.NewNullEmitter(), sender,
		pipeline.WithHandshakeRetryInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	setupDone := make(chan error, 1)
	go func() { setupDone <- engine.Setup(ctx) }()

	select {
	case <-sender.connected:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the handshake to eventually succeed after retrying the unreachable peer")
	}

	select {
	case err := <-setupDone:
		if err != nil {
			t.Fatalf("Setup: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Setup should have returned once the handshake succeeded")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.attempts < 3 {
		t.Fatalf("expected Setup to retry the handshake at least 3 times, got %d", sender.attempts)
	}
}

func TestEngine_RejectsMissingMetadataStoreNode(t *testing.T) {
	st := store.NewMemStore()
	actionNode := &pipeline.Node{ID: "lonely", Kind: pipeline.ActionKind, Strategy: noopStrategy()}

	_, err := pipeline.NewEngine("bad-pipeline", []*pipeline.Node{actionNode}, st, status.NewNullEmitter(), nil)
	if err != pipeline.ErrSetupNoMetadataStore {
		t.Fatalf("expected ErrSetupNoMetadataStore, got %v", err)
	}
}
