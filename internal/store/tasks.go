package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gantry/internal/task"
)

// queryer is the read subset shared by *sql.DB and *sql.Tx, so the same
// query code serves both the scheduler transaction and snapshot reads.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, lane, lane_rank, type, description, dependencies, status, priority,
	exec_class, archetype, risk, source_ids, source_plan_hash, task_signature, dod, trace,
	worker_id, lease_id, lease_expires_at, heartbeat_at, created_at, updated_at,
	retry_count, auditor_status, review_decision, review_notes, override_justification, output`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var deps, sources string
	err := row.Scan(
		&t.ID, &t.Lane, &t.LaneRank, &t.Type, &t.Description, &deps, &t.Status, &t.Priority,
		&t.ExecClass, &t.Archetype, &t.Risk, &sources, &t.SourcePlanHash, &t.TaskSignature,
		&t.DoD, &t.Trace, &t.WorkerID, &t.LeaseID, &t.LeaseExpiresAt, &t.HeartbeatAt,
		&t.CreatedAt, &t.UpdatedAt, &t.RetryCount, &t.AuditorStatus, &t.ReviewDecision,
		&t.ReviewNotes, &t.OverrideJustification, &t.Output,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		t.Dependencies = nil
	}
	if err := json.Unmarshal([]byte(sources), &t.SourceIDs); err != nil {
		t.SourceIDs = nil
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTask inserts a new pending task under tx and returns its id.
// type is forced equal to lane and lane_rank to the canonical rank.
func InsertTask(ctx context.Context, tx *sql.Tx, t *task.Task) (int64, error) {
	if rank := task.LaneRank(t.Lane); rank >= 0 {
		t.LaneRank = rank
	} else {
		return 0, fmt.Errorf("unknown lane %q", t.Lane)
	}
	t.Type = t.Lane
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if t.Status != task.StatusPending {
		return 0, fmt.Errorf("%w: tasks are born pending", task.ErrIllegalTransition)
	}

	deps, _ := json.Marshal(depsOrEmpty(t.Dependencies))
	sources, _ := json.Marshal(depsOrEmpty(t.SourceIDs))
	now := nowMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (lane, lane_rank, type, description, dependencies, status, priority,
			exec_class, archetype, risk, source_ids, source_plan_hash, task_signature, dod, trace,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Lane, t.LaneRank, t.Type, t.Description, string(deps), string(t.Status), t.Priority,
		t.ExecClass, t.Archetype, t.Risk, string(sources), t.SourcePlanHash, t.TaskSignature,
		t.DoD, t.Trace, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	t.ID = id
	return id, nil
}

func depsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetTaskTx fetches a task by id under a transaction.
func GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (*task.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id int64) (*task.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return t, nil
}

// ExpiredLeases returns in_progress rows whose lease lapsed before now.
func ExpiredLeases(ctx context.Context, q queryer, nowMillis int64) ([]*task.Task, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE status = 'in_progress' AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC`, nowMillis)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return collectTasks(rows)
}

// PendingInLane returns pending tasks in a lane in claim order. limit bounds
// the dependency-resolution walk.
func PendingInLane(ctx context.Context, q queryer, lane task.Lane, limit int) ([]*task.Task, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE status = 'pending' AND lane = ?
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`, lane, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return collectTasks(rows)
}

// PendingByPriority returns pending tasks across the given lanes in
// preemption order: priority, then lane_rank, created_at, id.
func PendingByPriority(ctx context.Context, q queryer, lanes []task.Lane, limit int) ([]*task.Task, error) {
	if len(lanes) == 0 {
		return nil, nil
	}
	query := "SELECT " + taskColumns + ` FROM tasks WHERE status = 'pending' AND lane IN (`
	args := make([]any, 0, len(lanes)+1)
	for i, l := range lanes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, l)
	}
	query += `) ORDER BY priority ASC, lane_rank ASC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return collectTasks(rows)
}

// DependencyStatuses resolves a set of numeric task ids to statuses. Ids
// absent from the result do not exist in the store.
func DependencyStatuses(ctx context.Context, q queryer, ids []int64) (map[int64]task.Status, error) {
	out := make(map[int64]task.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := "SELECT id, status FROM tasks WHERE id IN ("
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		out[id] = task.Status(st)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of tasks in a given status.
func CountByStatus(ctx context.Context, q queryer, status task.Status) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return n, nil
}

// LaneCounts aggregates task counts per lane for the snapshot.
type LaneCounts struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
	Done    int `json:"done"`
	Total   int `json:"total"`
}

// CountsByLane returns per-lane status counts.
func (s *Store) CountsByLane(ctx context.Context) (map[task.Lane]*LaneCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lane, status, COUNT(*) FROM tasks GROUP BY lane, status`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer rows.Close()

	out := make(map[task.Lane]*LaneCounts)
	for _, l := range task.LaneOrder {
		out[l] = &LaneCounts{}
	}
	for rows.Next() {
		var lane, st string
		var n int
		if err := rows.Scan(&lane, &st, &n); err != nil {
			return nil, err
		}
		c, ok := out[task.Lane(lane)]
		if !ok {
			c = &LaneCounts{}
			out[task.Lane(lane)] = c
		}
		c.Total += n
		switch task.Status(st) {
		case task.StatusPending, task.StatusBlocked:
			c.Pending += n
		case task.StatusInProgress, task.StatusReviewing:
			c.Active += n
		case task.StatusCompleted:
			c.Done += n
		}
	}
	return out, rows.Err()
}

// TasksByStatus lists tasks in a status, most recently updated first.
func (s *Store) TasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return collectTasks(rows)
}

// PlanExists reports whether any task carries the given plan hash.
func (s *Store) PlanExists(ctx context.Context, planHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE source_plan_hash = ?", planHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return n > 0, nil
}

// TasksForPlan lists all tasks inserted from a plan, in insertion order.
func (s *Store) TasksForPlan(ctx context.Context, planHash string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE source_plan_hash = ? ORDER BY id ASC`, planHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return collectTasks(rows)
}

// HasTestSibling reports whether a TEST task references the given task,
// either by a #id marker in its description or by depending on it.
func HasTestSibling(ctx context.Context, q queryer, id int64) (bool, error) {
	var n int
	marker := fmt.Sprintf("%%#%d%%", id)
	depToken := fmt.Sprintf(`%%"%d"%%`, id)
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
		WHERE archetype = 'TEST' AND (description LIKE ? OR dependencies LIKE ?)`,
		marker, depToken).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return n > 0, nil
}

// PurgeTask removes a task and its messages. Admin-only; the sole path that
// destroys rows.
func (s *Store) PurgeTask(ctx context.Context, id int64) error {
	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return tx.Commit()
}
