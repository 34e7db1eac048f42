// Package monitor implements Resource-node strategies that detect new
// artifacts and decide when a detection should start a run (§4.4).
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/anacostia-dev/anacostia-go/pipeline"
)

// FilesystemMonitor watches a directory tree for new files, recording
// each one as a StateNew artifact entry and deferring to a Trigger to
// decide when accumulated entries should start a run (§4.4: detect ->
// create_entry -> re-evaluate trigger).
//
// It implements pipeline.Trigger itself by delegating Evaluate to its
// Trigger func field, so a pipeline wires one of these per watched
// Resource node alongside a threshold policy (FileCountTrigger or a
// caller-supplied pipeline.Trigger-compatible Evaluate).
type FilesystemMonitor struct {
	Root    string
	Trigger func(ctx context.Context, rc *pipeline.RunContext) (bool, error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFilesystemMonitor watches root recursively, deferring run-start
// decisions to evaluate.
func NewFilesystemMonitor(root string, evaluate func(ctx context.Context, rc *pipeline.RunContext) (bool, error)) *FilesystemMonitor {
	return &FilesystemMonitor{Root: root, Trigger: evaluate}
}

// Setup starts the recursive watch. It registers every existing
// subdirectory plus the root so renames and directory creation under
// the tree are picked up without a restart.
func (m *FilesystemMonitor) Setup(ctx context.Context, rc *pipeline.RunContext) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("monitor: new watcher: %w", err)
	}

	err = filepath.WalkDir(m.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("monitor: watch %s: %w", m.Root, err)
	}

	m.mu.Lock()
	m.watcher = w
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(rc)
	return nil
}

// watchLoop records every file create or write event as a new artifact
// entry, so a write to an existing file records a further entry. It runs
// for the lifetime of the pipeline; Evaluate (called by the engine's
// poll loop) reads the entry count the loop has accumulated via the
// metadata store, so the two never share state directly.
func (m *FilesystemMonitor) watchLoop(rc *pipeline.RunContext) {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				_ = m.watcher.Add(ev.Name)
				continue
			}
			_, _ = rc.Store.CreateEntry(context.Background(), rc.NodeID, ev.Name, nil)
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Evaluate delegates to the configured Trigger func, per §4.4's
// re-evaluate-after-detection step.
func (m *FilesystemMonitor) Evaluate(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
	if m.Trigger == nil {
		return false, nil
	}
	return m.Trigger(ctx, rc)
}

// Execute for a Resource node is a no-op: the watch loop does the real
// work continuously, independent of any single run's EXECUTING window.
func (m *FilesystemMonitor) Execute(ctx context.Context, rc *pipeline.RunContext) (bool, error) {
	return true, nil
}

// Teardown stops the watch loop and closes the underlying fsnotify
// handle.
func (m *FilesystemMonitor) Teardown(ctx context.Context, rc *pipeline.RunContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return nil
	}
	close(m.done)
	return m.watcher.Close()
}

var _ pipeline.Trigger = (*FilesystemMonitor)(nil)
