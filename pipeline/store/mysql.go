package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the MetadataStore backend for federated deployments (§8
// scenarios where multiple pipelines on different machines coordinate):
// a shared MySQL instance lets several pipeline processes consult the
// same run/artifact/metric history when that's preferable to per-pipeline
// SQLite files plus the connector protocol.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL-backed store using dsn (see
// go-sql-driver/mysql's DSN format) and migrates its schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (m *MySQLStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			node_id VARCHAR(255) NOT NULL,
			run_id BIGINT NOT NULL,
			state VARCHAR(16) NOT NULL,
			location VARCHAR(1024) NOT NULL,
			metadata JSON NOT NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_node_created (node_id, created_at),
			INDEX idx_node_state (node_id, state)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			node_id VARCHAR(255) NOT NULL,
			run_id BIGINT NOT NULL,
			name VARCHAR(255) NOT NULL,
			value DOUBLE NOT NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_node_run (node_id, run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(64) NOT NULL,
			remote BOOLEAN NOT NULL,
			registered_at TIMESTAMP NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) StartRun(ctx context.Context) (Run, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
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

func (m *MySQLStore) EndRun(ctx context.Context) error {
	res, err := m.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE ended_at IS NULL`, time.Now().UTC())
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

func (m *MySQLStore) ActiveRun(ctx context.Context) (Run, error) {
	row := m.db.QueryRowContext(ctx, `SELECT id, started_at FROM runs WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`)
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
func (m *MySQLStore) CreateEntry(ctx context.Context, nodeID, location string, metadata map[string]any) (Artifact, error) {
	var runID int64
	run, err := m.ActiveRun(ctx)
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
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO artifacts (node_id, run_id, state, location, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		nodeID, runID, string(StateNew), location, metaJSON, now)
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

func (m *MySQLStore) PromoteEntry(ctx context.Context, artifactID int64) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("store: promote entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nodeID, state string
	if err := tx.QueryRowContext(ctx, `SELECT node_id, state FROM artifacts WHERE id = ? FOR UPDATE`, artifactID).Scan(&nodeID, &state); err != nil {
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

func (m *MySQLStore) GetNumEntries(ctx context.Context, nodeID string, state ArtifactState) (int, error) {
	var count int
	var err error
	if state == "" {
		err = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ?`, nodeID).Scan(&count)
	} else {
		err = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ? AND state = ?`, nodeID, string(state)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("store: get num entries: %w", err)
	}
	return count, nil
}

func (m *MySQLStore) EntryExists(ctx context.Context, nodeID, location string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE node_id = ? AND location = ?`, nodeID, location).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: entry exists: %w", err)
	}
	return count > 0, nil
}

func (m *MySQLStore) ListEntries(ctx context.Context, nodeID string, state ArtifactState) ([]Artifact, error) {
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = m.db.QueryContext(ctx, `SELECT id, node_id, run_id, state, location, metadata, created_at FROM artifacts WHERE node_id = ? ORDER BY created_at ASC`, nodeID)
	} else {
		rows, err = m.db.QueryContext(ctx, `SELECT id, node_id, run_id, state, location, metadata, created_at FROM artifacts WHERE node_id = ? AND state = ? ORDER BY created_at ASC`, nodeID, string(state))
	}
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Artifact
	for rows.Next() {
		var art Artifact
		var stateStr string
		var metaJSON []byte
		if err := rows.Scan(&art.ID, &art.NodeID, &art.RunID, &stateStr, &art.Location, &metaJSON, &art.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		art.State = ArtifactState(stateStr)
		if err := json.Unmarshal(metaJSON, &art.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal entry metadata: %w", err)
		}
		result = append(result, art)
	}
	return result, rows.Err()
}

func (m *MySQLStore) LogMetric(ctx context.Context, nodeID, name string, value float64) error {
	run, err := m.ActiveRun(ctx)
	if err != nil {
		if err == ErrNotFound {
			return ErrNoActiveRun
		}
		return err
	}
	_, err = m.db.ExecContext(ctx, `INSERT INTO metrics (node_id, run_id, name, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		nodeID, run.ID, name, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: log metric: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetMetrics(ctx context.Context, nodeID string, runID int64) ([]Metric, error) {
	var rows *sql.Rows
	var err error
	if runID == 0 {
		rows, err = m.db.QueryContext(ctx, `SELECT node_id, run_id, name, value, created_at FROM metrics WHERE node_id = ? ORDER BY created_at ASC`, nodeID)
	} else {
		rows, err = m.db.QueryContext(ctx, `SELECT node_id, run_id, name, value, created_at FROM metrics WHERE node_id = ? AND run_id = ? ORDER BY created_at ASC`, nodeID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Metric
	for rows.Next() {
		var metric Metric
		if err := rows.Scan(&metric.NodeID, &metric.RunID, &metric.Name, &metric.Value, &metric.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		result = append(result, metric)
	}
	return result, rows.Err()
}

func (m *MySQLStore) AddNode(ctx context.Context, node NodeDescriptor) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO nodes (id, kind, remote, registered_at) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE kind = VALUES(kind), remote = VALUES(remote)`,
		node.ID, node.Kind, node.Remote, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: add node: %w", err)
	}
	return nil
}

func (m *MySQLStore) Nodes(ctx context.Context) ([]NodeDescriptor, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, kind, remote FROM nodes ORDER BY registered_at ASC`)
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

func (m *MySQLStore) RunSummary(ctx context.Context, runID int64) (RunSummary, error) {
	var run Run
	var ended sql.NullTime
	err := m.db.QueryRowContext(ctx, `SELECT id, started_at, ended_at FROM runs WHERE id = ?`, runID).Scan(&run.ID, &run.StartedAt, &ended)
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
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&numNodes); err != nil {
		return RunSummary{}, fmt.Errorf("store: run summary: %w", err)
	}

	return RunSummary{Run: run, NumNodes: numNodes}, nil
}

func (m *MySQLStore) Close() error {
	return m.db.Close()
}
