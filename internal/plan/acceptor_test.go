package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gantry/internal/readiness"
	"gantry/internal/store"
	"gantry/internal/task"
)

const acceptorPlan = `# Sprint 12

## Lane: backend
- Build the ingestion endpoint | priority: HIGH | trace: PRO-1 | archetype: API
- Add retry budget | deps: 1
- Add retry budget | deps: 1

## Lane: frontend
- Render the status board

## Lane: qa
- Verify ingestion endpoint #1 | archetype: TEST

## Lane: docs
- Document the ingestion contract
`

func testAcceptor(t *testing.T, thresholds readiness.Thresholds) (*Acceptor, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "plan.db"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	gate := readiness.NewGate(dir, thresholds)
	return NewAcceptor(s, gate, dir), s, dir
}

func writePlan(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAcceptCreatesTasksAndDeduplicates(t *testing.T) {
	a, s, dir := testAcceptor(t, readiness.Thresholds{})
	ctx := context.Background()

	path := writePlan(t, dir, acceptorPlan)
	res, err := a.Accept(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s (%s), want OK", res.Status, res.Reason)
	}
	// Six bullets, one duplicate signature collapsed.
	if res.CreatedCount != 5 {
		t.Fatalf("created = %d, want 5", res.CreatedCount)
	}

	tasks, err := s.TasksForPlan(ctx, res.PlanHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 5 {
		t.Fatalf("stored %d tasks, want 5", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusPending {
			t.Errorf("task %d status = %s, want pending", tk.ID, tk.Status)
		}
		if tk.SourcePlanHash != res.PlanHash {
			t.Errorf("task %d plan hash mismatch", tk.ID)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "plan_preview.md")); err != nil {
		t.Errorf("plan preview not written: %v", err)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	a, s, dir := testAcceptor(t, readiness.Thresholds{})
	ctx := context.Background()

	path := writePlan(t, dir, acceptorPlan)
	first, err := a.Accept(ctx, path)
	if err != nil || first.Status != StatusOK {
		t.Fatalf("first accept: %+v %v", first, err)
	}

	second, err := a.Accept(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusAlreadyAccepted {
		t.Fatalf("second accept status = %s, want ALREADY_ACCEPTED", second.Status)
	}
	if second.PlanHash != first.PlanHash {
		t.Error("hash changed between accepts")
	}

	tasks, _ := s.TasksForPlan(ctx, first.PlanHash)
	if len(tasks) != 5 {
		t.Errorf("task count after re-accept = %d, want 5", len(tasks))
	}
}

func TestAcceptIgnoresWhitespaceVariant(t *testing.T) {
	a, _, dir := testAcceptor(t, readiness.Thresholds{})
	ctx := context.Background()

	first, err := a.Accept(ctx, writePlan(t, dir, acceptorPlan))
	if err != nil || first.Status != StatusOK {
		t.Fatal(err)
	}

	variant := writePlan(t, dir, acceptorPlan+"\n\n")
	second, err := a.Accept(ctx, variant)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusAlreadyAccepted {
		t.Fatalf("whitespace variant re-created tasks: %+v", second)
	}
}

func TestAcceptBlockedDuringBootstrap(t *testing.T) {
	a, _, dir := testAcceptor(t, readiness.Thresholds{PRD: 80, Spec: 80, DecisionLog: 30})
	ctx := context.Background()

	res, err := a.Accept(ctx, writePlan(t, dir, acceptorPlan))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusBlocked || res.Reason != "BLOCKED_BOOTSTRAP" {
		t.Fatalf("accept during BOOTSTRAP = %+v, want BLOCKED", res)
	}
	if len(res.BlockingFiles) == 0 {
		t.Error("blocking files not surfaced")
	}
}

func TestAcceptEmptyPlanErrors(t *testing.T) {
	a, _, dir := testAcceptor(t, readiness.Thresholds{})
	ctx := context.Background()

	res, err := a.Accept(ctx, writePlan(t, dir, "nothing to see here\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Fatalf("status = %s, want ERROR for empty plan", res.Status)
	}
}

func TestAcceptMissingFileErrors(t *testing.T) {
	a, _, _ := testAcceptor(t, readiness.Thresholds{})
	res, err := a.Accept(context.Background(), "/nonexistent/plan.md")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", res.Status)
	}
}
