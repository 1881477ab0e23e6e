package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"turtle_botnet/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turtles (
	id TEXT PRIMARY KEY,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	direction TEXT NOT NULL,
	fuel INTEGER NOT NULL DEFAULT 0,
	inventory TEXT NOT NULL,
	left_hand TEXT NOT NULL,
	right_hand TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	name TEXT NOT NULL,
	traversable INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(x, y, z)
);

CREATE TABLE IF NOT EXISTS jobs (
	tracker_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	action INTEGER NOT NULL,
	args TEXT NOT NULL,
	status TEXT NOT NULL,
	results TEXT NULL,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent_id, created_at);

CREATE TABLE IF NOT EXISTS tree_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tree TEXT NOT NULL,
	sequencer_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	node_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tree_events_tree ON tree_events(tree, created_at);
CREATE INDEX IF NOT EXISTS idx_tree_events_agent ON tree_events(agent_id, created_at);
`

var ErrNotFound = errors.New("not found")

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

func (s *Store) SaveTurtles(ctx context.Context, turtles []domain.Turtle) error {
	if len(turtles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save turtles: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO turtles(
			id, x, y, z, direction, fuel, inventory, left_hand, right_hand, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			x = excluded.x,
			y = excluded.y,
			z = excluded.z,
			direction = excluded.direction,
			fuel = excluded.fuel,
			inventory = excluded.inventory,
			left_hand = excluded.left_hand,
			right_hand = excluded.right_hand,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare save turtle: %w", err)
	}
	defer stmt.Close()

	for _, t := range turtles {
		inventory, err := json.Marshal(t.Inventory)
		if err != nil {
			return fmt.Errorf("encode inventory for turtle %s: %w", t.ID, err)
		}
		left, err := json.Marshal(t.LeftHand)
		if err != nil {
			return fmt.Errorf("encode left hand for turtle %s: %w", t.ID, err)
		}
		right, err := json.Marshal(t.RightHand)
		if err != nil {
			return fmt.Errorf("encode right hand for turtle %s: %w", t.ID, err)
		}
		createdAt, updatedAt := t.CreatedAt, t.UpdatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}
		if _, err := stmt.ExecContext(
			ctx,
			t.ID, t.Position.X, t.Position.Y, t.Position.Z, string(t.Direction), t.Fuel,
			string(inventory), string(left), string(right), createdAt.Unix(), updatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("save turtle %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save turtles: %w", err)
	}
	return nil
}

func (s *Store) DeleteTurtles(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM turtles WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete turtle %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) LoadTurtles(ctx context.Context) ([]domain.Turtle, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, x, y, z, direction, fuel, inventory, left_hand, right_hand, created_at, updated_at
		FROM turtles
		ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load turtles: %w", err)
	}
	defer rows.Close()

	var result []domain.Turtle
	for rows.Next() {
		var t domain.Turtle
		var direction, inventory, left, right string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&t.ID, &t.Position.X, &t.Position.Y, &t.Position.Z, &direction, &t.Fuel,
			&inventory, &left, &right, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turtle: %w", err)
		}
		t.Direction = domain.Direction(direction)
		if err := json.Unmarshal([]byte(inventory), &t.Inventory); err != nil {
			return nil, fmt.Errorf("decode inventory for turtle %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(left), &t.LeftHand); err != nil {
			return nil, fmt.Errorf("decode left hand for turtle %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(right), &t.RightHand); err != nil {
			return nil, fmt.Errorf("decode right hand for turtle %s: %w", t.ID, err)
		}
		t.CreatedAt = unixToTime(createdAt)
		t.UpdatedAt = unixToTime(updatedAt)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turtles: %w", err)
	}
	return result, nil
}

func (s *Store) SaveBlocks(ctx context.Context, blocks []domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save blocks: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO blocks(x, y, z, name, traversable) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(x, y, z) DO UPDATE SET name = excluded.name, traversable = excluded.traversable`,
	)
	if err != nil {
		return fmt.Errorf("prepare save block: %w", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx, b.Position.X, b.Position.Y, b.Position.Z, b.Name, boolToInt(b.Traversable)); err != nil {
			return fmt.Errorf("save block at %s: %w", b.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save blocks: %w", err)
	}
	return nil
}

func (s *Store) DeleteBlocks(ctx context.Context, positions []domain.Point3) error {
	for _, p := range positions {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE x = ? AND y = ? AND z = ?`, p.X, p.Y, p.Z); err != nil {
			return fmt.Errorf("delete block at %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) LoadBlocks(ctx context.Context) ([]domain.Block, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x, y, z, name, traversable FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	var result []domain.Block
	for rows.Next() {
		var b domain.Block
		var traversable int
		if err := rows.Scan(&b.Position.X, &b.Position.Y, &b.Position.Z, &b.Name, &traversable); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Traversable = traversable != 0
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return result, nil
}

func (s *Store) RecordJobQueued(ctx context.Context, job domain.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encode job args: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs(tracker_id, agent_id, action, args, status, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		job.TrackerID, job.AgentID, int(job.Action), string(args), string(domain.JobStatusQueued), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record queued job: %w", err)
	}
	return nil
}

func (s *Store) RecordJobFinished(ctx context.Context, trackerID string, status domain.JobStatus, results json.RawMessage) error {
	var payload any
	if len(results) > 0 {
		payload = string(results)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, results = ?, completed_at = ?
		WHERE tracker_id = ? AND status = ?`,
		string(status), payload, time.Now().UTC().Unix(), trackerID, string(domain.JobStatusQueued),
	)
	if err != nil {
		return fmt.Errorf("record finished job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finished job rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record finished job %s: %w", trackerID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListAgentJobs(ctx context.Context, agentID string, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT tracker_id, agent_id, action, args, status, results, created_at, completed_at
		FROM jobs
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent jobs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.JobRecord, 0, limit)
	for rows.Next() {
		var item domain.JobRecord
		var action int
		var args, status string
		var results sql.NullString
		var createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&item.TrackerID, &item.AgentID, &action, &args, &status, &results, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		item.Action = domain.TurtleAction(action)
		if err := json.Unmarshal([]byte(args), &item.Args); err != nil {
			return nil, fmt.Errorf("decode args for job %s: %w", item.TrackerID, err)
		}
		item.Status = domain.JobStatus(status)
		if results.Valid {
			item.Results = json.RawMessage(results.String)
		}
		item.CreatedAt = unixToTime(createdAt)
		item.CompletedAt = int64ToTimePtr(completedAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return result, nil
}

// AbandonQueuedJobs closes out jobs left queued by a previous process; their
// waiters died with it.
func (s *Store) AbandonQueuedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, completed_at = ? WHERE status = ?`,
		string(domain.JobStatusAbandoned), time.Now().UTC().Unix(), string(domain.JobStatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("abandon queued jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandoned jobs rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) RecordTreeEvent(ctx context.Context, ev domain.TreeEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tree_events(tree, sequencer_id, agent_id, kind, node_id, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.Tree, ev.SequencerID, ev.AgentID, string(ev.Kind), ev.NodeID, ev.Reason, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record tree event: %w", err)
	}
	return nil
}

func (s *Store) ListTreeEvents(ctx context.Context, tree string, limit int) ([]domain.TreeEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, tree, sequencer_id, agent_id, kind, node_id, reason, created_at
		FROM tree_events
		WHERE tree = ?
		ORDER BY id DESC
		LIMIT ?`,
		tree, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tree events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TreeEvent, 0, limit)
	for rows.Next() {
		var item domain.TreeEvent
		var kind string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.Tree, &item.SequencerID, &item.AgentID, &kind, &item.NodeID, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tree event: %w", err)
		}
		item.Kind = domain.TreeEventKind(kind)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree events: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
