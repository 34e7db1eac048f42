package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file MetadataStore, the default for development
// pipelines and the S1 scenario of a single machine watching a local
// directory (§8). SetMaxOpenConns(1) routes every read and write through
// one connection, so store operations run one at a time; the WAL
// journal-mode pragma is applied on open.
//
// Schema:
//   - runs: one row per run, open-ended until EndRun
//   - artifacts: one row per CreateEntry, promoted in place
//   - metrics: append-only measurements scoped to (node, run)
//   - nodes: registered node descriptors
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for a process-local, non-persistent store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			location TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_node ON artifacts(node_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_node_state ON artifacts(node_id, state)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_node_run ON metrics(node_id, run_id)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			remote INTEGER NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("store: start run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE ended_at IS NULL`).Scan(&count); err != nil {
		return Run{}, fmt.Errorf("store: check active run: %w", err)
	}
	if count > 0 {
		return Run{}, ErrRunAlreadyActive
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO runs (started_at) VALUES (?)`, now)
	if err != nil {
		return Run{}, fmt.Errorf("store: start run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Run{}, fmt.Errorf("store: start run: %w", err)
	}

	// Adopt every pending entry (detected before this run existed, §4.3)
	// into the run that's about to start.
	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET run_id = ? WHERE run_id = 0`, id); err != nil {
		return Run{}, fmt.Errorf("store: adopt pending entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("store: start run: %w", err)
	}
	return Run{ID: id, StartedAt: now}, nil
}

func (s *SQLiteStore) EndRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE ended_at IS NULL`, now)
	if err != nil {
		return fmt.Errorf("store: end run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: end run: %w", err)
	}
	if n == 0 {
		return ErrNoActiveRun
	}
	return nil
}

func (s *SQLiteStore) ActiveRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, started_at FROM runs WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`)
	var run Run
	if err := row.Scan(&run.ID, &run.StartedAt); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("store: active run: %w", err)
	}
	return run, nil
}

// CreateEntry records a new artifact as soon as it is detected, even
// before any run exists (§3, §4.4): a cold pipeline must be able to
// accumulate StateNew entries for a trigger to evaluate against, so a
// pending entry is stored with run_id 0 and adopted by the next
// StartRun rather than rejected.
func (s *SQLiteStore) CreateEntry(ctx context.Context, nodeID, location string, metadata map[string]any) (Artifact, error) {
	var runID int64
	run, err := s.ActiveRun(ctx)
	if err != nil {
		if err != ErrNotFound {
			return Artifact{}, err
		}
	} else {
		runID = run.ID
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Artifact{}, fmt.Errorf("store: marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (node_id, run_id, state, location, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		nodeID, runID, string(StateNew), location, string(metaJSON), now)
	if err != nil {
		return Artifact{}, fmt.Errorf("store: create entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Artifact{}, fmt.Errorf("store: create entry: %w", err)
	}
	return Artifact{
		ID: id, NodeID: nodeID, RunID: runID, State: StateNew,
		Location: location, Metadata: metadata, CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) PromoteEntry(ctx context.Context, artifactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: promote entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nodeID, state string
	if err := tx.QueryRowContext(ctx, `SELECT node_id, state FROM artifacts WHERE id = ?`, artifactID).Scan(&nodeID, &state); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: promote entry: %w", err)
	}
	if ArtifactState(state).Regresses(StateCurrent) {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET state = ? WHERE node_id = ? AND state = ?`,
		string(StateOld), nodeID, string(StateCurrent)); err != nil {
		return fmt.Errorf("store: demote current entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET state = ? WHERE id = ?`, string(StateCurrent), artifactID); err != nil {
		return fmt.Errorf("store: promote entry: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetNumEntries(ctx context.Context, nodeID string, state ArtifactState) (int, error) {
	var count int
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ?`, nodeID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ? AND state = ?`, nodeID, string(state)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("store: get num entries: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) EntryExists(ctx context.Context, nodeID, location string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ? AND location = ?`, nodeID, location).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: entry exists: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, nodeID string, state ArtifactState) ([]Artifact, error) {
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, node_id, run_id, state, location, metadata, created_at FROM artifacts WHERE node_id = ? ORDER BY created_at ASC`, nodeID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, node_id, run_id, state, location, metadata, created_at FROM artifacts WHERE node_id = ? AND state = ? ORDER BY created_at ASC`, nodeID, string(state))
	}
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Artifact
	for rows.Next() {
		var art Artifact
		var stateStr, metaJSON string
		if err := rows.Scan(&art.ID, &art.NodeID, &art.RunID, &stateStr, &art.Location, &metaJSON, &art.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		art.State = ArtifactState(stateStr)
		if err := json.Unmarshal([]byte(metaJSON), &art.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal entry metadata: %w", err)
		}
		result = append(result, art)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) LogMetric(ctx context.Context, nodeID, name string, value float64) error {
	run, err := s.ActiveRun(ctx)
	if err != nil {
		if err == ErrNotFound {
			return ErrNoActiveRun
		}
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO metrics (node_id, run_id, name, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		nodeID, run.ID, name, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: log metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, nodeID string, runID int64) ([]Metric, error) {
	var rows *sql.Rows
	var err error
	if runID == 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT node_id, run_id, name, value, created_at FROM metrics WHERE node_id = ? ORDER BY created_at ASC`, nodeID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT node_id, run_id, name, value, created_at FROM metrics WHERE node_id = ? AND run_id = ? ORDER BY created_at ASC`, nodeID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.NodeID, &m.RunID, &m.Name, &m.Value, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AddNode(ctx context.Context, node NodeDescriptor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, kind, remote, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, remote = excluded.remote`,
		node.ID, node.Kind, node.Remote, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: add node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Nodes(ctx context.Context) ([]NodeDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, remote FROM nodes ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []NodeDescriptor
	for rows.Next() {
		var n NodeDescriptor
		if err := rows.Scan(&n.ID, &n.Kind, &n.Remote); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) RunSummary(ctx context.Context, runID int64) (RunSummary, error) {
	var run Run
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, ended_at FROM runs WHERE id = ?`, runID).Scan(&run.ID, &run.StartedAt, &ended)
	if err != nil {
		if err == sql.ErrNoRows {
			return RunSummary{}, ErrNotFound
		}
		return RunSummary{}, fmt.Errorf("store: run summary: %w", err)
	}
	if ended.Valid {
		run.EndedAt = &ended.Time
	}

	var numNodes int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&numNodes); err != nil {
		return RunSummary{}, fmt.Errorf("store: run summary: %w", err)
	}

	return RunSummary{Run: run, NumNodes: numNodes}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
