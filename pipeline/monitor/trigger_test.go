package monitor_test

import (
	"context"
	"testing"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/monitor"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func newRunContext(t *testing.T, st store.MetadataStore, nodeID string) *pipeline.RunContext {
	t.Helper()
	run, err := st.StartRun(context.Background())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return &pipeline.RunContext{PipelineID: "test-pipeline", NodeID: nodeID, Run: run, Store: st}
}

func TestFileCountTrigger_FiresAtThreshold(t *testing.T) {
	st := store.NewMemStore()
	rc := newRunContext(t, st, "watcher")
	ctx := context.Background()

	trigger := monitor.FileCountTrigger(3)

	fired, err := trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if fired {
		t.Fatal("expected no trigger before any entries were recorded")
	}

	for i := 0; i < 2; i++ {
		if _, err := st.CreateEntry(ctx, "watcher", "/incoming/file", nil); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}
	fired, err = trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if fired {
		t.Fatal("expected no trigger below threshold")
	}

	if _, err := st.CreateEntry(ctx, "watcher", "/incoming/third", nil); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	fired, err = trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !fired {
		t.Fatal("expected trigger to fire once the threshold is reached")
	}
}

// TestFileCountTrigger_FiresBeforeAnyRunExists reproduces the cold-start
// precondition of S1: a Resource node watches a directory before its
// pipeline has ever started a run, so CreateEntry must succeed (and the
// resulting entries must count toward the threshold) with no active run
// at all, not just across runs.
func TestFileCountTrigger_FiresBeforeAnyRunExists(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	rc := &pipeline.RunContext{PipelineID: "test-pipeline", NodeID: "watcher", Store: st}

	trigger := monitor.FileCountTrigger(2)

	for i := 0; i < 2; i++ {
		if _, err := st.CreateEntry(ctx, "watcher", "/incoming/file", nil); err != nil {
			t.Fatalf("CreateEntry before any run exists: %v", err)
		}
	}

	fired, err := trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !fired {
		t.Fatal("expected the trigger to fire from entries detected before any run started")
	}
}

func TestMetricThresholdTrigger_FiresOnMaxAcrossRuns(t *testing.T) {
	st := store.NewMemStore()
	rc := newRunContext(t, st, "validator")
	ctx := context.Background()

	if err := st.LogMetric(ctx, "validator", "accuracy", 0.5); err != nil {
		t.Fatalf("LogMetric: %v", err)
	}

	trigger := monitor.MetricThresholdTrigger("accuracy", 0.9)

	fired, err := trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if fired {
		t.Fatal("expected no trigger while the max logged value is below threshold")
	}

	if err := st.LogMetric(ctx, "validator", "accuracy", 0.95); err != nil {
		t.Fatalf("LogMetric: %v", err)
	}
	fired, err = trigger(ctx, rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !fired {
		t.Fatal("expected trigger to fire once a logged value exceeds threshold")
	}
}

func TestMetricThresholdTrigger_NoMetricsNeverFires(t *testing.T) {
	st := store.NewMemStore()
	rc := newRunContext(t, st, "validator")

	trigger := monitor.MetricThresholdTrigger("accuracy", 0.9)
	fired, err := trigger(context.Background(), rc)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if fired {
		t.Fatal("expected no trigger when nothing has been logged yet")
	}
}
