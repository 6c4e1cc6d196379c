// Package lease issues and verifies time-bounded task ownership.
//
// A lease is embedded in the task row: (worker_id, lease_id,
// lease_expires_at). Tokens are unguessable and never reused across reaps;
// completion with a stale token always fails LEASE_MISMATCH.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gantry/internal/logging"
	"gantry/internal/store"
	"gantry/internal/task"
)

// Manager issues claim tokens, records heartbeats, and verifies ownership on
// completion.
type Manager struct {
	store *store.Store
	ttl   time.Duration
}

// NewManager creates a lease manager with the given TTL.
func NewManager(s *store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{store: s, ttl: ttl}
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// MintToken returns a fresh 128-bit lease token.
func MintToken() string {
	return uuid.NewString()
}

// Heartbeat upserts the worker registration and extends the lease on every
// listed task the worker actually owns. Ownership is verified by worker_id;
// the lease token itself is left unchanged.
func (m *Manager) Heartbeat(ctx context.Context, workerID, workerType string, allowedLanes []task.Lane, taskIDs []int64) (int64, error) {
	now := time.Now()
	w := &task.Worker{
		WorkerID:       workerID,
		WorkerType:     workerType,
		AllowedLanes:   allowedLanes,
		LastSeen:       now.UnixMilli(),
		CurrentTaskIDs: taskIDs,
	}
	if err := m.store.UpsertWorker(ctx, w); err != nil {
		return 0, err
	}

	log := logging.Get(logging.CategoryLease)
	expires := now.Add(m.ttl).UnixMilli()
	for _, id := range taskIDs {
		// Extends only rows this worker holds in_progress; status untouched.
		res, err := m.store.DB().ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_progress' AND worker_id = ?`,
			expires, now.UnixMilli(), now.UnixMilli(), id, workerID)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Warn("heartbeat from %s for task %d it does not own", workerID, id)
		}
	}

	log.Debug("heartbeat worker=%s type=%s tasks=%v", workerID, workerType, taskIDs)
	return w.LastSeen, nil
}

// Complete verifies the lease and moves the task to reviewing, storing the
// worker's output. The stored token must match exactly.
func (m *Manager) Complete(ctx context.Context, id int64, workerID, leaseID, output string) error {
	tx, err := m.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	t, err := store.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return fmt.Errorf("%w: complete on %s task %d", task.ErrIllegalTransition, t.Status, id)
	}
	if t.WorkerID != workerID || t.LeaseID == "" || t.LeaseID != leaseID {
		logging.Get(logging.CategoryLease).Warn("lease mismatch on task %d: worker=%s", id, workerID)
		return fmt.Errorf("%w: task %d", task.ErrLeaseMismatch, id)
	}

	changed, err := store.CompleteTask(ctx, tx, id, output)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: task %d moved during completion", task.ErrIllegalTransition, id)
	}

	if err := store.AppendMessageTx(ctx, tx, &task.Message{
		TaskID:  id,
		Role:    task.RoleSystem,
		Kind:    "audit",
		Content: fmt.Sprintf("completed by %s, awaiting review", workerID),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	logging.Get(logging.CategoryLease).Info("task %d -> reviewing (worker %s)", id, workerID)
	return nil
}

// Block releases a task the worker cannot finish, moving it to blocked and
// recording the blocker message. Lease ownership is required.
func (m *Manager) Block(ctx context.Context, id int64, workerID, reason string) error {
	tx, err := m.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	t, err := store.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress || t.WorkerID != workerID {
		return fmt.Errorf("%w: task %d", task.ErrLeaseMismatch, id)
	}

	changed, err := store.BlockTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: task %d moved during block", task.ErrIllegalTransition, id)
	}

	if err := store.AppendMessageTx(ctx, tx, &task.Message{
		TaskID:  id,
		Role:    task.RoleWorker,
		Kind:    "blocker",
		Content: reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	logging.Get(logging.CategoryLease).Info("task %d blocked by %s: %s", id, workerID, reason)
	return nil
}
