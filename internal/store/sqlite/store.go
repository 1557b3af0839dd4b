// Package sqlite persists coordinator snapshots and loop cycle history.
// Snapshots are written whole inside one transaction; a reload after a
// crash sees either the previous snapshot or the new one, never a mix.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentloop/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	current_task TEXT NOT NULL DEFAULT '',
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	last_active INTEGER NOT NULL,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	required_capabilities TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	depends_on TEXT NOT NULL,
	blocks TEXT NOT NULL,
	thread TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_number INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	new_messages TEXT NOT NULL,
	action_taken TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	next_task TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycle_history_number ON cycle_history(cycle_number);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot with the given one.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"agents", "tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, agent := range snap.Agents {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents(name, role, capabilities, current_task, tasks_completed, last_active, position)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			agent.Name, agent.Role, mustJSON(agent.Capabilities), agent.CurrentTask,
			agent.TasksCompleted, agent.LastActive.Unix(), i,
		)
		if err != nil {
			return fmt.Errorf("save agent %s: %w", agent.Name, err)
		}
	}

	for i, task := range snap.Tasks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(
				id, description, required_capabilities, assigned_to, status,
				created_at, completed_at, depends_on, blocks, thread, result, position
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Description, mustJSON(task.RequiredCapabilities), task.AssignedTo,
			string(task.Status), task.CreatedAt.Unix(), nullableUnix(task.CompletedAt),
			mustJSON(task.DependsOn), mustJSON(task.Blocks), task.Thread, task.Result, i,
		)
		if err != nil {
			return fmt.Errorf("save task %s: %w", task.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('task_counter', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.TaskCounter,
	)
	if err != nil {
		return fmt.Errorf("save task counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot. An empty database yields an
// empty snapshot, not an error.
func (s *Store) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, role, capabilities, current_task, tasks_completed, last_active
		FROM agents ORDER BY position`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Agent
		var caps string
		var lastActive int64
		if err := rows.Scan(&a.Name, &a.Role, &caps, &a.CurrentTask, &a.TasksCompleted, &lastActive); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode capabilities for %s: %w", a.Name, err)
		}
		a.LastActive = time.Unix(lastActive, 0).UTC()
		snap.Agents = append(snap.Agents, a)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate agents: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx,
		`SELECT id, description, required_capabilities, assigned_to, status,
			created_at, completed_at, depends_on, blocks, thread, result
		FROM tasks ORDER BY position`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t domain.Task
		var status, caps, dependsOn, blocks string
		var created int64
		var completed sql.NullInt64
		if err := taskRows.Scan(
			&t.ID, &t.Description, &caps, &t.AssignedTo, &status,
			&created, &completed, &dependsOn, &blocks, &t.Thread, &t.Result,
		); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan task: %w", err)
		}
		t.Status = domain.TaskStatus(status)
		t.CreatedAt = time.Unix(created, 0).UTC()
		if completed.Valid {
			done := time.Unix(completed.Int64, 0).UTC()
			t.CompletedAt = &done
		}
		for _, col := range []struct {
			raw string
			dst *[]string
		}{
			{caps, &t.RequiredCapabilities},
			{dependsOn, &t.DependsOn},
			{blocks, &t.Blocks},
		} {
			if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
				return domain.Snapshot{}, fmt.Errorf("decode task %s lists: %w", t.ID, err)
			}
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate tasks: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'task_counter'`)
	if err := row.Scan(&snap.TaskCounter); err != nil && err != sql.ErrNoRows {
		return domain.Snapshot{}, fmt.Errorf("load task counter: %w", err)
	}

	return snap, nil
}

// AppendCycle records one loop cycle outcome.
func (s *Store) AppendCycle(ctx context.Context, result domain.CycleResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_history(cycle_number, timestamp, new_messages, action_taken, pr_url, next_task)
		VALUES(?, ?, ?, ?, ?, ?)`,
		result.CycleNumber, result.Timestamp.Unix(), mustJSON(result.NewMessages),
		result.ActionTaken, result.PRURL, result.NextTask,
	)
	if err != nil {
		return fmt.Errorf("append cycle: %w", err)
	}
	return nil
}

// ListCycles returns the most recent cycle records, oldest first.
// limit <= 0 returns everything.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]domain.CycleResult, error) {
	query := `SELECT cycle_number, timestamp, new_messages, action_taken, pr_url, next_task
		FROM cycle_history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []domain.CycleResult
	for rows.Next() {
		var r domain.CycleResult
		var ts int64
		var messages string
		if err := rows.Scan(&r.CycleNumber, &ts, &messages, &r.ActionTaken, &r.PRURL, &r.NextTask); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		if err := json.Unmarshal([]byte(messages), &r.NewMessages); err != nil {
			return nil, fmt.Errorf("decode cycle messages: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(payload)
}
