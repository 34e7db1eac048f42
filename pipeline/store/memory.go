package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory MetadataStore, used for single-process
// development pipelines and unit tests (mirrors the "zero setup" role the
// teacher's MemStore filled for workflow state).
type MemStore struct {
	mu         sync.RWMutex
	nextRunID  int64
	nextArtID  int64
	runs       map[int64]*Run
	activeRun  *Run
	artifacts  map[int64]*Artifact       // id -> artifact
	byNode     map[string][]int64        // nodeID -> artifact ids, creation order
	metrics    []Metric
	nodes      map[string]NodeDescriptor
	nodeOrder  []string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:      make(map[int64]*Run),
		artifacts: make(map[int64]*Artifact),
		byNode:    make(map[string][]int64),
		nodes:     make(map[string]NodeDescriptor),
	}
}

func (m *MemStore) StartRun(context.Context) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRun != nil {
		return Run{}, ErrRunAlreadyActive
	}
	m.nextRunID++
	run := &Run{ID: m.nextRunID, StartedAt: time.Now()}
	m.runs[run.ID] = run
	m.activeRun = run

	for _, art := range m.artifacts {
		if art.RunID == 0 {
			art.RunID = run.ID
		}
	}
	return *run, nil
}

func (m *MemStore) EndRun(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRun == nil {
		return ErrNoActiveRun
	}
	now := time.Now()
	m.activeRun.EndedAt = &now
	m.activeRun = nil
	return nil
}

func (m *MemStore) ActiveRun(context.Context) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeRun == nil {
		return Run{}, ErrNotFound
	}
	return *m.activeRun, nil
}

// CreateEntry records a new artifact as soon as it is detected, even
// before any run exists (§3, §4.4): a cold pipeline must be able to
// accumulate StateNew entries for a trigger to evaluate against, so a
// pending entry is created with RunID 0 and adopted by the next
// StartRun rather than rejected.
func (m *MemStore) CreateEntry(_ context.Context, nodeID, location string, metadata map[string]any) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runID int64
	if m.activeRun != nil {
		runID = m.activeRun.ID
	}
	m.nextArtID++
	art := &Artifact{
		ID:        m.nextArtID,
		NodeID:    nodeID,
		RunID:     runID,
		State:     StateNew,
		Location:  location,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	m.artifacts[art.ID] = art
	m.byNode[nodeID] = append(m.byNode[nodeID], art.ID)
	return *art, nil
}

func (m *MemStore) PromoteEntry(_ context.Context, artifactID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	art, ok := m.artifacts[artifactID]
	if !ok {
		return ErrNotFound
	}
	if art.State.Regresses(StateCurrent) {
		return ErrNotFound
	}
	for _, id := range m.byNode[art.NodeID] {
		if sibling := m.artifacts[id]; sibling.State == StateCurrent {
			sibling.State = StateOld
		}
	}
	art.State = StateCurrent
	return nil
}

func (m *MemStore) GetNumEntries(_ context.Context, nodeID string, state ArtifactState) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.byNode[nodeID] {
		art := m.artifacts[id]
		if state == "" || art.State == state {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) EntryExists(_ context.Context, nodeID, location string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.byNode[nodeID] {
		if m.artifacts[id].Location == location {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ListEntries(_ context.Context, nodeID string, state ArtifactState) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Artifact
	for _, id := range m.byNode[nodeID] {
		art := m.artifacts[id]
		if state == "" || art.State == state {
			result = append(result, *art)
		}
	}
	return result, nil
}

func (m *MemStore) LogMetric(_ context.Context, nodeID, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeRun == nil {
		return ErrNoActiveRun
	}
	m.metrics = append(m.metrics, Metric{
		NodeID:    nodeID,
		RunID:     m.activeRun.ID,
		Name:      name,
		Value:     value,
		Timestamp: time.Now(),
	})
	return nil
}

func (m *MemStore) GetMetrics(_ context.Context, nodeID string, runID int64) ([]Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Metric
	for _, metric := range m.metrics {
		if metric.NodeID != nodeID {
			continue
		}
		if runID != 0 && metric.RunID != runID {
			continue
		}
		result = append(result, metric)
	}
	return result, nil
}

func (m *MemStore) AddNode(_ context.Context, node NodeDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.ID]; !exists {
		m.nodeOrder = append(m.nodeOrder, node.ID)
	}
	m.nodes[node.ID] = node
	return nil
}

func (m *MemStore) Nodes(context.Context) ([]NodeDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]NodeDescriptor, 0, len(m.nodeOrder))
	for _, id := range m.nodeOrder {
		result = append(result, m.nodes[id])
	}
	return result, nil
}

func (m *MemStore) RunSummary(_ context.Context, runID int64) (RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return RunSummary{}, ErrNotFound
	}
	return RunSummary{Run: *run, NumNodes: len(m.nodes)}, nil
}

func (m *MemStore) Close() error {
	return nil
}
