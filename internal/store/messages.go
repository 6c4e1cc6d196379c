package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gantry/internal/task"
)

// AppendMessage adds an entry to a task's append-only message log.
func (s *Store) AppendMessage(ctx context.Context, m *task.Message) error {
	return appendMessage(ctx, s.db, m)
}

// AppendMessageTx adds a message under an existing transaction, so audit
// entries commit atomically with the transitions that caused them.
func AppendMessageTx(ctx context.Context, tx *sql.Tx, m *task.Message) error {
	return appendMessage(ctx, tx, m)
}

type msgExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendMessage(ctx context.Context, q msgExecer, m *task.Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMilli()
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (task_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.TaskID, m.Role, m.Kind, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// MessagesForTask lists a task's messages oldest first.
func (s *Store) MessagesForTask(ctx context.Context, taskID int64) ([]*task.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, kind, content, created_at FROM messages
		 WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer rows.Close()

	var out []*task.Message
	for rows.Next() {
		var m task.Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertWorker records or refreshes a worker registration. Created on first
// heartbeat, updated on every one after.
func (s *Store) UpsertWorker(ctx context.Context, w *task.Worker) error {
	lanes, _ := json.Marshal(lanesOrEmpty(w.AllowedLanes))
	ids, _ := json.Marshal(idsOrEmpty(w.CurrentTaskIDs))
	if w.LastSeen == 0 {
		w.LastSeen = nowMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, worker_type, allowed_lanes, last_seen, current_task_ids)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			worker_type = excluded.worker_type,
			allowed_lanes = excluded.allowed_lanes,
			last_seen = excluded.last_seen,
			current_task_ids = excluded.current_task_ids`,
		w.WorkerID, w.WorkerType, string(lanes), w.LastSeen, string(ids))
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return nil
}

func lanesOrEmpty(l []task.Lane) []task.Lane {
	if l == nil {
		return []task.Lane{}
	}
	return l
}

func idsOrEmpty(l []int64) []int64 {
	if l == nil {
		return []int64{}
	}
	return l
}

// Workers lists registrations, most recently seen first.
func (s *Store) Workers(ctx context.Context) ([]*task.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, worker_type, allowed_lanes, last_seen, current_task_ids
		 FROM workers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer rows.Close()

	var out []*task.Worker
	for rows.Next() {
		var w task.Worker
		var lanes, ids string
		if err := rows.Scan(&w.WorkerID, &w.WorkerType, &lanes, &w.LastSeen, &ids); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(lanes), &w.AllowedLanes)
		json.Unmarshal([]byte(ids), &w.CurrentTaskIDs)
		out = append(out, &w)
	}
	return out, rows.Err()
}
