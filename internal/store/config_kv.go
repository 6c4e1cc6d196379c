package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gantry/internal/task"
)

// Well-known config keys.
const (
	KeySchedulerPointer      = "scheduler_lane_pointer"
	KeySchedulerLastDecision = "scheduler_last_decision"
	KeyAcceptedPlanPath      = "accepted_plan_path"
	KeyMode                  = "mode"
)

// LanePointer names the next lane the rotation scan considers. Persisted as
// JSON under KeySchedulerPointer and rewritten inside the claim transaction,
// so pointer and claim are never observed inconsistently.
type LanePointer struct {
	Index int       `json:"index"`
	Lane  task.Lane `json:"lane"`
}

// GetConfig reads a scalar config value; ok is false when the key is unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	return getConfig(ctx, s.db, key)
}

// GetConfigTx reads a config value under a transaction.
func GetConfigTx(ctx context.Context, tx *sql.Tx, key string) (string, bool, error) {
	return getConfig(ctx, tx, key)
}

func getConfig(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return value, true, nil
}

// SetConfig writes a scalar config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, s.db, key, value)
}

// SetConfigTx writes a config value under a transaction.
func SetConfigTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	return setConfig(ctx, tx, key, value)
}

func setConfig(ctx context.Context, q msgExecer, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return nil
}

// GetLanePointerTx loads the scheduler pointer, defaulting to lane 0 when
// unset or malformed.
func GetLanePointerTx(ctx context.Context, tx *sql.Tx, lanes []task.Lane) (LanePointer, error) {
	raw, ok, err := GetConfigTx(ctx, tx, KeySchedulerPointer)
	if err != nil {
		return LanePointer{}, err
	}
	ptr := LanePointer{Index: 0, Lane: lanes[0]}
	if !ok {
		return ptr, nil
	}
	if err := json.Unmarshal([]byte(raw), &ptr); err != nil {
		return LanePointer{Index: 0, Lane: lanes[0]}, nil
	}
	if ptr.Index < 0 || ptr.Index >= len(lanes) {
		ptr.Index = 0
	}
	ptr.Lane = lanes[ptr.Index]
	return ptr, nil
}

// SetLanePointerTx persists the scheduler pointer as JSON.
func SetLanePointerTx(ctx context.Context, tx *sql.Tx, ptr LanePointer) error {
	raw, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	return SetConfigTx(ctx, tx, KeySchedulerPointer, string(raw))
}

// AppendLedgerTx writes a terminal decision row in the same transaction as
// its state transition (either both commit or neither does).
func AppendLedgerTx(ctx context.Context, tx *sql.Tx, e *task.LedgerEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMilli()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (task_id, decision, actor, snapshot_hash, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Decision, e.Actor, e.SnapshotHash, e.Notes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// LedgerForTask lists a task's decisions oldest first.
func (s *Store) LedgerForTask(ctx context.Context, taskID int64) ([]*task.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, decision, actor, snapshot_hash, notes, created_at
		 FROM ledger WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer rows.Close()

	var out []*task.LedgerEntry
	for rows.Next() {
		var e task.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Decision, &e.Actor, &e.SnapshotHash, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
