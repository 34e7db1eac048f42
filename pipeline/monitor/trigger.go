package monitor

import (
	"context"

	"github.com/anacostia-dev/anacostia-go/pipeline"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// FileCountTrigger starts a run once a node's StateNew artifact count
// reaches Threshold, per §4.3's filesystem-threshold triggering rule:
// get_num_entries("new") >= threshold.
func FileCountTrigger(threshold int) func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
	return func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
		n, err := rc.Store.GetNumEntries(ctx, rc.NodeID, store.StateNew)
		if err != nil {
			return false, err
		}
		return n >= threshold, nil
	}
}

// MetricThresholdTrigger starts a run once the maximum value logged for
// name by this node exceeds threshold. It reads GetMetrics with runID 0,
// so values logged during every earlier run count; it does not restrict
// itself to metrics logged outside a run (the stores record metrics only
// against an active run).
func MetricThresholdTrigger(name string, threshold float64) func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
	return func(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
		metrics, err := rc.Store.GetMetrics(ctx, rc.NodeID, 0)
		if err != nil {
			return false, err
		}
		var max float64
		seen := false
		for _, m := range metrics {
			if m.Name != name {
				continue
			}
			if !seen || m.Value > max {
				max = m.Value
				seen = true
			}
		}
		return seen && max > threshold, nil
	}
}
