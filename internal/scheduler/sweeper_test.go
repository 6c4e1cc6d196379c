package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"gantry/internal/task"
)

func TestSweeperReapsWithoutPickTraffic(t *testing.T) {
	// Registered first so it runs after the store's cleanup closes the pool.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sch, s := testScheduler(t, Config{MaxRetries: 3})
	ctx := context.Background()

	id := addTask(t, s, &task.Task{Lane: task.LaneBackend, Description: "sleepy"})
	res, err := sch.PickNext(ctx, "w1", "", nil)
	if err != nil || res.Status != "OK" {
		t.Fatalf("pick: %+v %v", res, err)
	}
	expireLease(t, s, id)

	sw := NewSweeper(sch, 20*time.Millisecond)
	sw.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == task.StatusPending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sw.Stop()

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending after sweep", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sch, _ := testScheduler(t, Config{})
	sw := NewSweeper(sch, time.Hour)
	sw.Start(context.Background())
	sw.Stop()
	sw.Stop()
}
