// Package persistence implements the Persistence Port (§4.7): a
// sqlite3-backed store for the three logical tables the rest of the
// system reads and writes through synchronously -- agents (upsert),
// workflows (immutable after creation), workflow_states (append-only).
// Grounded on the teacher's persistence/store.go: single *sql.DB, a
// numbered schema ledger, WAL pragmas, and a busy-retry wrapper around
// every mutating statement.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fleetd-v1-2026-07-agents-workflows"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the coordinator's sqlite3-backed persistence port.
type Store struct {
	db *sql.DB
}

// DefaultDBPath mirrors the teacher's ~/.goclaw layout convention,
// relocated under the fleetd home directory.
func DefaultDBPath(homeDir string) string {
	if homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, "fleetd.db")
}

// Open creates (or attaches to) the sqlite3 database at path, applying
// pragmas and the schema ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath(".")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying *sql.DB for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// §4.7: "agents: keyed by agent_id... workflows: keyed by
	// workflow_id, immutable after creation... workflow_states:
	// append-only, keyed by (workflow_id, sequence)". Indexes follow §6:
	// "(agents.alive), (workflows.agent_id), (workflow_states.workflow_id,
	// timestamp)".
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			alive INTEGER NOT NULL DEFAULT 1,
			heartbeat_count INTEGER NOT NULL DEFAULT 0,
			capability_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_alive ON agents(alive);`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			module_name TEXT NOT NULL,
			request_json TEXT NOT NULL,
			untracked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_agent_id ON workflows(agent_id);`,
		`CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			sequence INTEGER NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (workflow_id, sequence)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_states_workflow_timestamp ON workflow_states(workflow_id, timestamp);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite3 reports the database busy or
// locked, bounded exponential backoff with jitter (grounded on the
// teacher's retryOnBusy).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// UpsertAgent writes the given agent record (§4.4, §4.7: "agents:...
// upsert on write").
func (s *Store) UpsertAgent(ctx context.Context, a schema.Agent) error {
	capJSON, err := json.Marshal(a.Capability)
	if err != nil {
		return fmt.Errorf("marshal capability document: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, hostname, first_seen, last_seen, alive, heartbeat_count, capability_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				hostname = excluded.hostname,
				last_seen = excluded.last_seen,
				alive = excluded.alive,
				heartbeat_count = excluded.heartbeat_count,
				capability_json = excluded.capability_json;
		`, a.ID, a.Hostname, a.FirstSeen, a.LastSeen, boolToInt(a.Alive), a.HeartbeatCount, string(capJSON))
		return err
	})
}

// LoadAgents returns every persisted agent record, for registry startup
// hydration (§4.7).
func (s *Store) LoadAgents(ctx context.Context) ([]schema.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hostname, first_seen, last_seen, alive, heartbeat_count, capability_json FROM agents;`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []schema.Agent
	for rows.Next() {
		var a schema.Agent
		var aliveInt int
		var capJSON string
		if err := rows.Scan(&a.ID, &a.Hostname, &a.FirstSeen, &a.LastSeen, &aliveInt, &a.HeartbeatCount, &capJSON); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		a.Alive = aliveInt != 0
		if err := json.Unmarshal([]byte(capJSON), &a.Capability); err != nil {
			return nil, fmt.Errorf("unmarshal capability document for agent %q: %w", a.ID, err)
		}
		a.FirstSeen = shared.ToUTC(a.FirstSeen)
		a.LastSeen = shared.ToUTC(a.LastSeen)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateWorkflow inserts the immutable workflow record (§4.7:
// "workflows:... immutable after creation").
func (s *Store) CreateWorkflow(ctx context.Context, wf schema.Workflow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, agent_id, module_name, request_json, untracked, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, wf.ID, wf.AgentID, wf.ModuleName, string(wf.Request), boolToInt(wf.Untracked), wf.CreatedAt)
		return err
	})
}

// LoadWorkflows returns every persisted workflow record, for workflow
// engine startup hydration (§4.7).
func (s *Store) LoadWorkflows(ctx context.Context) ([]schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, module_name, request_json, untracked, created_at FROM workflows;`)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []schema.Workflow
	for rows.Next() {
		var wf schema.Workflow
		var untrackedInt int
		var requestJSON string
		if err := rows.Scan(&wf.ID, &wf.AgentID, &wf.ModuleName, &requestJSON, &untrackedInt, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		wf.Request = json.RawMessage(requestJSON)
		wf.Untracked = untrackedInt != 0
		wf.CreatedAt = shared.ToUTC(wf.CreatedAt)
		out = append(out, wf)
	}
	return out, rows.Err()
}

// AppendState appends one state-history row (§4.7: "workflow_states:
// append-only, keyed by (workflow_id, sequence)").
func (s *Store) AppendState(ctx context.Context, st schema.WorkflowState) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_states (workflow_id, sequence, state, reason, timestamp)
			VALUES (?, ?, ?, ?, ?);
		`, st.WorkflowID, st.Sequence, st.State, st.Reason, st.Timestamp)
		return err
	})
}

// LoadWorkflowStates returns every persisted state-history row, for
// workflow engine startup hydration (§4.7).
func (s *Store) LoadWorkflowStates(ctx context.Context) ([]schema.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workflow_id, sequence, state, reason, timestamp FROM workflow_states ORDER BY workflow_id, sequence;`)
	if err != nil {
		return nil, fmt.Errorf("query workflow_states: %w", err)
	}
	defer rows.Close()

	var out []schema.WorkflowState
	for rows.Next() {
		var st schema.WorkflowState
		if err := rows.Scan(&st.WorkflowID, &st.Sequence, &st.State, &st.Reason, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan workflow_state row: %w", err)
		}
		st.Timestamp = shared.ToUTC(st.Timestamp)
		out = append(out, st)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
