package store

// The state writer. updateTaskState is the only code in the repository
// allowed to write tasks.status; tools/statecheck fails the build when any
// other file issues an UPDATE touching the column. The exported wrappers
// below name the legal transitions and route through it.

import (
	"context"
	"database/sql"
	"fmt"

	"gantry/internal/logging"
	"gantry/internal/task"
)

// legalTransitions is the §4.1 state machine, keyed by (from, to).
var legalTransitions = map[task.Status]map[task.Status]bool{
	task.StatusPending: {
		task.StatusInProgress: true, // claim
	},
	task.StatusInProgress: {
		task.StatusReviewing:  true, // complete
		task.StatusPending:    true, // reap
		task.StatusBlocked:    true, // worker blocker
		task.StatusDeadLetter: true, // reap past max_retries
	},
	task.StatusReviewing: {
		task.StatusCompleted:  true, // approve
		task.StatusPending:    true, // kickback
		task.StatusDeadLetter: true, // reject
	},
	task.StatusBlocked: {
		task.StatusPending: true, // admin requeue
	},
}

// Mutation carries the non-status fields a transition is allowed to touch.
// Nil pointers leave the column untouched.
type Mutation struct {
	WorkerID       *string
	LeaseID        *string
	LeaseExpiresAt *int64
	HeartbeatAt    *int64
	RetryDelta     int
	ReviewDecision *string
	ReviewNotes    *string
	AuditorStatus  *string
	Output         *string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// updateTaskState validates and applies a status transition under the given
// transaction. It stamps updated_at and forces the lease-field invariants:
// in_progress rows carry worker/lease/expiry, every other status clears them.
//
// The UPDATE is guarded by WHERE status = from; a zero row count means the
// row moved underneath the caller (lost race) and is reported as
// (false, nil) so claim loops can rescan. Callers that expected exclusive
// ownership translate false into ErrIllegalTransition.
func updateTaskState(ctx context.Context, tx execer, id int64, from, to task.Status, m Mutation) (bool, error) {
	if !to.Valid() || !from.Valid() {
		return false, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, from, to)
	}
	if !legalTransitions[from][to] {
		return false, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, from, to)
	}

	if to == task.StatusInProgress {
		if m.WorkerID == nil || *m.WorkerID == "" || m.LeaseID == nil || *m.LeaseID == "" ||
			m.LeaseExpiresAt == nil || *m.LeaseExpiresAt <= 0 {
			return false, fmt.Errorf("%w: in_progress requires worker, lease, expiry", task.ErrIllegalTransition)
		}
	} else {
		// Invariant: only in_progress rows hold a lease.
		empty := ""
		zero := int64(0)
		m.WorkerID, m.LeaseID, m.LeaseExpiresAt = &empty, &empty, &zero
	}

	set := "status = ?, updated_at = ?"
	args := []any{string(to), nowMilli()}

	appendCol := func(col string, v any) {
		set += ", " + col + " = ?"
		args = append(args, v)
	}
	appendCol("worker_id", *m.WorkerID)
	appendCol("lease_id", *m.LeaseID)
	appendCol("lease_expires_at", *m.LeaseExpiresAt)
	if m.HeartbeatAt != nil {
		appendCol("heartbeat_at", *m.HeartbeatAt)
	}
	if m.RetryDelta != 0 {
		set += ", retry_count = retry_count + ?"
		args = append(args, m.RetryDelta)
	}
	if m.ReviewDecision != nil {
		appendCol("review_decision", *m.ReviewDecision)
	}
	if m.ReviewNotes != nil {
		appendCol("review_notes", *m.ReviewNotes)
	}
	if m.AuditorStatus != nil {
		appendCol("auditor_status", *m.AuditorStatus)
	}
	if m.Output != nil {
		appendCol("output", *m.Output)
	}

	query := "UPDATE tasks SET " + set + " WHERE id = ? AND status = ?" //statecheck:allow authorized state writer
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	if n > 0 {
		logging.Get(logging.CategoryStore).Debug("task %d: %s -> %s", id, from, to)
	}
	return n > 0, nil
}

// ClaimTask transitions pending -> in_progress, assigning ownership. A false
// return means the row was taken by a concurrent claimer.
func ClaimTask(ctx context.Context, tx *sql.Tx, id int64, workerID, leaseID string, leaseExpiresAt int64) (bool, error) {
	now := nowMilli()
	return updateTaskState(ctx, tx, id, task.StatusPending, task.StatusInProgress, Mutation{
		WorkerID:       &workerID,
		LeaseID:        &leaseID,
		LeaseExpiresAt: &leaseExpiresAt,
		HeartbeatAt:    &now,
	})
}

// CompleteTask transitions in_progress -> reviewing, storing the worker's
// output. Lease verification happens in the lease manager before this call.
func CompleteTask(ctx context.Context, tx *sql.Tx, id int64, output string) (bool, error) {
	return updateTaskState(ctx, tx, id, task.StatusInProgress, task.StatusReviewing, Mutation{
		Output: &output,
	})
}

// ReapTask returns a stale in_progress row to pending, incrementing
// retry_count.
func ReapTask(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	return updateTaskState(ctx, tx, id, task.StatusInProgress, task.StatusPending, Mutation{RetryDelta: 1})
}

// DeadLetterReap retires an in_progress row that exhausted its retries.
func DeadLetterReap(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	return updateTaskState(ctx, tx, id, task.StatusInProgress, task.StatusDeadLetter, Mutation{RetryDelta: 1})
}

// BlockTask transitions in_progress -> blocked on a worker blocker message.
func BlockTask(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	return updateTaskState(ctx, tx, id, task.StatusInProgress, task.StatusBlocked, Mutation{})
}

// RequeueBlocked transitions blocked -> pending (admin action).
func RequeueBlocked(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	return updateTaskState(ctx, tx, id, task.StatusBlocked, task.StatusPending, Mutation{})
}

// ApproveTask transitions reviewing -> completed with the decision record.
func ApproveTask(ctx context.Context, tx *sql.Tx, id int64, decision, notes string) (bool, error) {
	auditor := "approved"
	return updateTaskState(ctx, tx, id, task.StatusReviewing, task.StatusCompleted, Mutation{
		ReviewDecision: &decision,
		ReviewNotes:    &notes,
		AuditorStatus:  &auditor,
	})
}

// KickbackTask transitions reviewing -> pending preserving lane, priority
// and source_ids, incrementing retry_count.
func KickbackTask(ctx context.Context, tx *sql.Tx, id int64, decision, notes string) (bool, error) {
	auditor := "kicked_back"
	return updateTaskState(ctx, tx, id, task.StatusReviewing, task.StatusPending, Mutation{
		RetryDelta:     1,
		ReviewDecision: &decision,
		ReviewNotes:    &notes,
		AuditorStatus:  &auditor,
	})
}

// RejectTask transitions reviewing -> dead_letter (terminal).
func RejectTask(ctx context.Context, tx *sql.Tx, id int64, decision, notes string) (bool, error) {
	auditor := "rejected"
	return updateTaskState(ctx, tx, id, task.StatusReviewing, task.StatusDeadLetter, Mutation{
		ReviewDecision: &decision,
		ReviewNotes:    &notes,
		AuditorStatus:  &auditor,
	})
}
