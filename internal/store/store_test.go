package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gantry/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 2*time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestTask(t *testing.T, s *Store, tk *task.Task) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate failed: %v", err)
	}
	defer tx.Rollback()
	if tk.TaskSignature == "" {
		tk.TaskSignature = tk.Description
	}
	id, err := InsertTask(ctx, tx, tk)
	if err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return id
}

func inTx(t *testing.T, s *Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate failed: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx func failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestTask(t, s, &task.Task{
		Lane:         task.LaneBackend,
		Description:  "wire the payment endpoint",
		Dependencies: []string{"1", "PRO-3"},
		Priority:     task.PriorityHigh,
		Archetype:    task.ArchetypeAPI,
		Risk:         task.RiskMedium,
	})

	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("new task status = %s, want pending", got.Status)
	}
	if got.Type != got.Lane {
		t.Errorf("type = %s, want lane %s", got.Type, got.Lane)
	}
	if got.LaneRank != 0 {
		t.Errorf("lane_rank = %d, want 0 for backend", got.LaneRank)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[1] != "PRO-3" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(context.Background(), 9999); err != task.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertTaskRejectsUnknownLane(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx, _ := s.BeginImmediate(ctx)
	defer tx.Rollback()

	_, err := InsertTask(ctx, tx, &task.Task{Lane: "warehouse", Description: "x", TaskSignature: "x"})
	if err == nil {
		t.Fatal("expected error for unknown lane")
	}
}

func TestInsertTaskRejectsNonPendingBirth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx, _ := s.BeginImmediate(ctx)
	defer tx.Rollback()

	_, err := InsertTask(ctx, tx, &task.Task{
		Lane: task.LaneQA, Description: "x", TaskSignature: "x", Status: task.StatusCompleted,
	})
	if err == nil {
		t.Fatal("expected error for non-pending birth")
	}
}

func TestPlanSignatureUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestTask(t, s, &task.Task{
		Lane: task.LaneBackend, Description: "a", SourcePlanHash: "h1", TaskSignature: "sig",
	})

	tx, _ := s.BeginImmediate(ctx)
	defer tx.Rollback()
	_, err := InsertTask(ctx, tx, &task.Task{
		Lane: task.LaneBackend, Description: "a again", SourcePlanHash: "h1", TaskSignature: "sig",
	})
	if err == nil {
		t.Fatal("expected unique constraint violation for duplicate (plan, signature)")
	}
}

func TestLanePointerRoundTrip(t *testing.T) {
	s := openTestStore(t)

	inTx(t, s, func(tx *sql.Tx) error {
		return SetLanePointerTx(context.Background(), tx, LanePointer{Index: 3, Lane: task.LaneOps})
	})

	var got LanePointer
	inTx(t, s, func(tx *sql.Tx) error {
		var err error
		got, err = GetLanePointerTx(context.Background(), tx, task.LaneOrder)
		return err
	})
	if got.Index != 3 || got.Lane != task.LaneOps {
		t.Errorf("pointer = %+v, want index 3 lane ops", got)
	}
}

func TestLanePointerNormalizesOutOfRange(t *testing.T) {
	s := openTestStore(t)

	inTx(t, s, func(tx *sql.Tx) error {
		return SetConfigTx(context.Background(), tx, KeySchedulerPointer, `{"index":-1,"lane":"backend"}`)
	})

	var got LanePointer
	inTx(t, s, func(tx *sql.Tx) error {
		var err error
		got, err = GetLanePointerTx(context.Background(), tx, task.LaneOrder)
		return err
	})
	if got.Index != 0 || got.Lane != task.LaneOrder[0] {
		t.Errorf("pointer = %+v, want normalized to index 0", got)
	}
}

func TestHasTestSibling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestTask(t, s, &task.Task{
		Lane: task.LaneBackend, Description: "change auth flow", Archetype: task.ArchetypeSec,
	})
	paired, err := HasTestSibling(ctx, s.DB(), id)
	if err != nil || paired {
		t.Fatalf("paired = %v err = %v, want false nil", paired, err)
	}

	insertTestTask(t, s, &task.Task{
		Lane: task.LaneQA, Description: "verify auth flow #" + itoa(id), Archetype: task.ArchetypeTest,
	})
	paired, err = HasTestSibling(ctx, s.DB(), id)
	if err != nil || !paired {
		t.Fatalf("paired = %v err = %v, want true nil after marker sibling", paired, err)
	}
}

func TestHasTestSiblingByDependency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestTask(t, s, &task.Task{
		Lane: task.LaneBackend, Description: "migrate schema", Archetype: task.ArchetypeDB,
	})
	insertTestTask(t, s, &task.Task{
		Lane: task.LaneQA, Description: "regression suite", Archetype: task.ArchetypeTest,
		Dependencies: []string{itoa(id)},
	})

	paired, err := HasTestSibling(ctx, s.DB(), id)
	if err != nil || !paired {
		t.Fatalf("paired = %v err = %v, want true nil for dependency sibling", paired, err)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestTask(t, s, &task.Task{Lane: task.LaneDocs, Description: "write runbook"})
	for _, content := range []string{"first", "second"} {
		if err := s.AppendMessage(ctx, &task.Message{
			TaskID: id, Role: task.RoleWorker, Kind: "note", Content: content,
		}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := s.MessagesForTask(ctx, id)
	if err != nil {
		t.Fatalf("MessagesForTask failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" {
		t.Errorf("messages = %+v, want 2 in insertion order", msgs)
	}
}

func TestPurgeTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestTask(t, s, &task.Task{Lane: task.LaneOps, Description: "rotate keys"})
	if err := s.AppendMessage(ctx, &task.Message{TaskID: id, Role: task.RoleAdmin, Kind: "note", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeTask(ctx, id); err != nil {
		t.Fatalf("PurgeTask failed: %v", err)
	}
	if _, err := s.GetTask(ctx, id); err != task.ErrNotFound {
		t.Errorf("task survived purge: %v", err)
	}
	msgs, err := s.MessagesForTask(ctx, id)
	if err != nil || len(msgs) != 0 {
		t.Errorf("messages survived purge: %v %v", msgs, err)
	}
}

func TestWorkerUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &task.Worker{WorkerID: "w1", WorkerType: "backend", LastSeen: 100}
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	w.LastSeen = 200
	w.CurrentTaskIDs = []int64{7}
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	workers, err := s.Workers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 {
		t.Fatalf("workers = %d, want 1 after upsert", len(workers))
	}
	if workers[0].LastSeen != 200 || len(workers[0].CurrentTaskIDs) != 1 {
		t.Errorf("worker not updated: %+v", workers[0])
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
