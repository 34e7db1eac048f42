package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

// storeFactories lists every MetadataStore implementation that must
// satisfy the shared contract, so a behavioral bug in one backend can't
// slip through because only the other backend was exercised.
func storeFactories(t *testing.T) map[string]func() store.MetadataStore {
	t.Helper()
	return map[string]func() store.MetadataStore{
		"mem": func() store.MetadataStore { return store.NewMemStore() },
		"sqlite": func() store.MetadataStore {
			st, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return st
		},
	}
}

func TestMetadataStore_ContractAcrossBackends(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := factory()
			defer st.Close()
			ctx := context.Background()

			_, err := st.ActiveRun(ctx)
			assert.ErrorIs(t, err, store.ErrNotFound, "expected ErrNotFound before any run starts")

			run, err := st.StartRun(ctx)
			require.NoError(t, err)
			assert.True(t, run.Active(), "expected a freshly started run to be active")

			entry, err := st.CreateEntry(ctx, "node-a", "/data/v1", map[string]any{"size": float64(10)})
			require.NoError(t, err)
			assert.Equal(t, store.StateNew, entry.State)

			exists, err := st.EntryExists(ctx, "node-a", "/data/v1")
			require.NoError(t, err)
			assert.True(t, exists, "expected EntryExists to find the entry just created")

			require.NoError(t, st.PromoteEntry(ctx, entry.ID))

			require.NoError(t, st.LogMetric(ctx, "node-a", "accuracy", 0.8))
			metrics, err := st.GetMetrics(ctx, "node-a", 0)
			require.NoError(t, err)
			require.Len(t, metrics, 1)
			assert.Equal(t, 0.8, metrics[0].Value)

			require.NoError(t, st.AddNode(ctx, store.NodeDescriptor{ID: "node-a", Kind: "action"}))
			nodes, err := st.Nodes(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, "node-a", nodes[0].ID)

			require.NoError(t, st.EndRun(ctx))
			_, err = st.ActiveRun(ctx)
			assert.ErrorIs(t, err, store.ErrNotFound, "expected ErrNotFound after EndRun")

			entries, err := st.ListEntries(ctx, "node-a", store.StateCurrent)
			require.NoError(t, err)
			require.Len(t, entries, 1, "expected the promoted entry to remain current after EndRun")
			assert.Equal(t, entry.ID, entries[0].ID)
		})
	}
}

// TestMetadataStore_CreateEntryBeforeAnyRunIsPending covers §3/§4.4's
// detect -> create_entry -> re-evaluate -> start_run sequence: an entry
// detected on a cold pipeline (no active run yet) must still land in
// StateNew so a count-based trigger can see it, and the next StartRun
// must adopt it into the run it starts rather than leaving it orphaned.
func TestMetadataStore_CreateEntryBeforeAnyRunIsPending(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := factory()
			defer st.Close()
			ctx := context.Background()

			entry, err := st.CreateEntry(ctx, "node-a", "/data/v1", nil)
			require.NoError(t, err, "CreateEntry must succeed before any run exists")
			assert.Equal(t, store.StateNew, entry.State)

			n, err := st.GetNumEntries(ctx, "node-a", store.StateNew)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "a pending entry must be visible to a count-based trigger")

			run, err := st.StartRun(ctx)
			require.NoError(t, err)

			entries, err := st.ListEntries(ctx, "node-a", store.StateNew)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, run.ID, entries[0].RunID, "expected the pending entry to be adopted by the new run")
		})
	}
}

func TestMetadataStore_RunSummaryReturnsRun(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := factory()
			defer st.Close()
			ctx := context.Background()

			run, err := st.StartRun(ctx)
			require.NoError(t, err)

			summary, err := st.RunSummary(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.ID, summary.Run.ID)
		})
	}
}
