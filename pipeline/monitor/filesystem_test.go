package monitor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacostia-dev/anacostia-go/pipeline/monitor"
	"github.com/anacostia-dev/anacostia-go/pipeline/store"
)

func TestFilesystemMonitor_RecordsNewFilesAsEntries(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemStore()
	rc := newRunContext(t, st, "watcher")

	m := monitor.NewFilesystemMonitor(dir, monitor.FileCountTrigger(1))
	if err := m.Setup(context.Background(), rc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = m.Teardown(context.Background(), rc) }()

	if err := os.WriteFile(filepath.Join(dir, "sample.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := st.GetNumEntries(context.Background(), "watcher", store.StateNew)
		if err != nil {
			t.Fatalf("GetNumEntries: %v", err)
		}
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the watcher to record the new file")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFilesystemMonitor_WatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemStore()
	rc := newRunContext(t, st, "watcher")

	m := monitor.NewFilesystemMonitor(dir, monitor.FileCountTrigger(1))
	if err := m.Setup(context.Background(), rc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = m.Teardown(context.Background(), rc) }()

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	// Give the watcher a moment to pick up the new directory before a
	// file lands inside it.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := st.GetNumEntries(context.Background(), "watcher", store.StateNew)
		if err != nil {
			t.Fatalf("GetNumEntries: %v", err)
		}
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the watcher to record the nested file")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
