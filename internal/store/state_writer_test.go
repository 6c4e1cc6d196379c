package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"gantry/internal/task"
)

func claimTestTask(t *testing.T, s *Store, id int64, worker, lease string) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := ClaimTask(context.Background(), tx, id, worker, lease, 9_999_999_999_999)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("claim of task %d lost", id)
		}
		return nil
	})
}

func TestClaimReleasesGuard(t *testing.T) {
	s := openTestStore(t)
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "t"})

	claimTestTask(t, s, id, "w1", "lease-1")

	// A second claim must observe the row gone from pending and report a
	// lost race, not an error.
	var ok bool
	inTx(t, s, func(tx *sql.Tx) error {
		var err error
		ok, err = ClaimTask(context.Background(), tx, id, "w2", "lease-2", 9_999_999_999_999)
		return err
	})
	if ok {
		t.Fatal("double claim succeeded")
	}

	got, _ := s.GetTask(context.Background(), id)
	if got.WorkerID != "w1" || got.LeaseID != "lease-1" {
		t.Errorf("winner overwritten: %+v", got)
	}
}

func TestClaimRequiresLeaseFields(t *testing.T) {
	s := openTestStore(t)
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "t"})

	ctx := context.Background()
	tx, _ := s.BeginImmediate(ctx)
	defer tx.Rollback()
	if _, err := ClaimTask(ctx, tx, id, "", "lease", 1); !errors.Is(err, task.ErrIllegalTransition) {
		t.Errorf("claim without worker: err = %v, want ErrIllegalTransition", err)
	}
	if _, err := ClaimTask(ctx, tx, id, "w", "", 1); !errors.Is(err, task.ErrIllegalTransition) {
		t.Errorf("claim without lease: err = %v, want ErrIllegalTransition", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneQA, Description: "t"})

	claimTestTask(t, s, id, "w1", "l1")

	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := CompleteTask(ctx, tx, id, "done")
		if err != nil || !ok {
			t.Fatalf("complete: ok=%v err=%v", ok, err)
		}
		return nil
	})

	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusReviewing {
		t.Fatalf("status = %s, want reviewing", got.Status)
	}
	if got.WorkerID != "" || got.LeaseID != "" || got.LeaseExpiresAt != 0 {
		t.Errorf("lease fields not cleared on leaving in_progress: %+v", got)
	}
	if got.Output != "done" {
		t.Errorf("output = %q", got.Output)
	}

	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := ApproveTask(ctx, tx, id, "APPROVE", "lgtm")
		if err != nil || !ok {
			t.Fatalf("approve: ok=%v err=%v", ok, err)
		}
		return nil
	})
	got, _ = s.GetTask(ctx, id)
	if got.Status != task.StatusCompleted || got.AuditorStatus != "approved" {
		t.Errorf("after approve: %+v", got)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneOps, Description: "t"})

	cases := []struct {
		name string
		fn   func(tx *sql.Tx) (bool, error)
	}{
		{"complete pending", func(tx *sql.Tx) (bool, error) { return CompleteTask(ctx, tx, id, "") }},
		{"approve pending", func(tx *sql.Tx) (bool, error) { return ApproveTask(ctx, tx, id, "APPROVE", "") }},
		{"reap pending", func(tx *sql.Tx) (bool, error) { return ReapTask(ctx, tx, id) }},
		{"requeue pending", func(tx *sql.Tx) (bool, error) { return RequeueBlocked(ctx, tx, id) }},
	}
	for _, tc := range cases {
		tx, _ := s.BeginImmediate(ctx)
		ok, err := tc.fn(tx)
		tx.Rollback()
		// The guard reports either a validation error or zero rows changed.
		if ok {
			t.Errorf("%s: transition succeeded", tc.name)
		}
		if err != nil && !errors.Is(err, task.ErrIllegalTransition) {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "t"})

	claimTestTask(t, s, id, "w1", "l1")
	inTx(t, s, func(tx *sql.Tx) error {
		if ok, err := CompleteTask(ctx, tx, id, ""); err != nil || !ok {
			t.Fatalf("complete: %v %v", ok, err)
		}
		return nil
	})
	inTx(t, s, func(tx *sql.Tx) error {
		if ok, err := RejectTask(ctx, tx, id, "REJECT", "unsafe"); err != nil || !ok {
			t.Fatalf("reject: %v %v", ok, err)
		}
		return nil
	})

	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if !got.Status.Terminal() {
		t.Error("dead_letter not terminal")
	}

	tx, _ := s.BeginImmediate(ctx)
	defer tx.Rollback()
	if ok, _ := ClaimTask(ctx, tx, id, "w2", "l2", 9_999_999_999_999); ok {
		t.Error("claimed a dead_letter task")
	}
}

func TestKickbackIncrementsRetryAndPreservesLane(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{
		Lane: task.LaneFrontend, Description: "t", Priority: task.PriorityHigh,
		SourceIDs: []string{"PRO-1"},
	})

	claimTestTask(t, s, id, "w1", "l1")
	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := CompleteTask(ctx, tx, id, "v1")
		if err != nil || !ok {
			t.Fatal("complete failed")
		}
		return nil
	})
	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := KickbackTask(ctx, tx, id, "KICKBACK", "needs tests")
		if err != nil || !ok {
			t.Fatal("kickback failed")
		}
		return nil
	})

	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending after kickback", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.Lane != task.LaneFrontend || got.Priority != task.PriorityHigh {
		t.Errorf("lane/priority not preserved: %+v", got)
	}
	if len(got.SourceIDs) != 1 || got.SourceIDs[0] != "PRO-1" {
		t.Errorf("source ids not preserved: %v", got.SourceIDs)
	}
}

func TestBlockAndRequeue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "t"})

	claimTestTask(t, s, id, "w1", "l1")
	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := BlockTask(ctx, tx, id)
		if err != nil || !ok {
			t.Fatal("block failed")
		}
		return nil
	})
	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusBlocked || got.LeaseID != "" {
		t.Fatalf("after block: %+v", got)
	}

	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := RequeueBlocked(ctx, tx, id)
		if err != nil || !ok {
			t.Fatal("requeue failed")
		}
		return nil
	})
	got, _ = s.GetTask(ctx, id)
	if got.Status != task.StatusPending {
		t.Fatalf("after requeue: %s", got.Status)
	}
}

func TestReapIncrementsRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := insertTestTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "t"})

	claimTestTask(t, s, id, "w1", "l1")
	inTx(t, s, func(tx *sql.Tx) error {
		ok, err := ReapTask(ctx, tx, id)
		if err != nil || !ok {
			t.Fatal("reap failed")
		}
		return nil
	})

	got, _ := s.GetTask(ctx, id)
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Errorf("after reap: status=%s retry=%d", got.Status, got.RetryCount)
	}
	if got.WorkerID != "" || got.LeaseID != "" {
		t.Errorf("lease fields survived reap: %+v", got)
	}
}
