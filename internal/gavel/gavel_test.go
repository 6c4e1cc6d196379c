package gavel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gantry/internal/ledger"
	"gantry/internal/store"
	"gantry/internal/task"
)

type gavelFixture struct {
	engine *Engine
	store  *store.Store
	dir    string
}

func newFixture(t *testing.T) *gavelFixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "gavel.db"), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	regPath := filepath.Join(dir, "source_registry.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(DefaultRegistryYAML), 0644))
	registry, err := LoadRegistry(regPath)
	require.NoError(t, err)

	provenance, err := LoadProvenance(filepath.Join(dir, "provenance.json"))
	require.NoError(t, err)

	packets := NewPacketStore(filepath.Join(dir, "packets"))
	mirror := ledger.NewMirror(filepath.Join(dir, "ledger.jsonl"))
	return &gavelFixture{
		engine: NewEngine(s, registry, packets, provenance, mirror),
		store:  s,
		dir:    dir,
	}
}

// reviewing inserts a task and drives it to the reviewing state.
func (f *gavelFixture) reviewing(t *testing.T, tk *task.Task) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.BeginImmediate(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	if tk.Lane == "" {
		tk.Lane = task.LaneBackend
	}
	if tk.TaskSignature == "" {
		tk.TaskSignature = tk.Description
	}
	if tk.Priority == 0 {
		tk.Priority = task.PriorityNormal
	}
	id, err := store.InsertTask(ctx, tx, tk)
	require.NoError(t, err)

	ok, err := store.ClaimTask(ctx, tx, id, "w1", "l1", time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.CompleteTask(ctx, tx, id, "output")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit())
	return id
}

func (f *gavelFixture) addTestSibling(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.BeginImmediate(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = store.InsertTask(ctx, tx, &task.Task{
		Lane:        task.LaneQA,
		Description: fmt.Sprintf("verify change #%d", id),
		Archetype:   task.ArchetypeTest,
		Priority:    task.PriorityNormal,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

const cleanNotes = "Entropy Check: Passed\nVerify: 96/100"

func TestApproveHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "tidy the readme", SourceIDs: []string{"STD-7"}})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	got, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)

	entries, err := f.store.LedgerForTask(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, task.DecisionApprove, entries[0].Decision)
	require.NotEmpty(t, entries[0].SnapshotHash)

	mirror, err := ledger.NewMirror(filepath.Join(f.dir, "ledger.jsonl")).Read()
	require.NoError(t, err)
	require.Len(t, mirror, 1)
}

func TestEntropyGateBlocksApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "tidy the readme"})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, "looks fine to me", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonMissingEntropyProof, res.Reason)

	// A blocked gate writes nothing.
	got, _ := f.store.GetTask(ctx, id)
	require.Equal(t, task.StatusReviewing, got.Status)
	entries, _ := f.store.LedgerForTask(ctx, id)
	require.Empty(t, entries)
}

func TestEntropyWaiverAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "tidy the readme"})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove,
		"OPTIMIZATION WAIVED: scaffolding only", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestConfidenceGateScalesWithRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// HIGH risk requires Verify at 95 or better.
	id := f.reviewing(t, &task.Task{Description: "rewrite billing", Risk: task.RiskHigh})
	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, "Entropy Check: Passed", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonMissingConfidenceProof, res.Reason)

	res, err = f.engine.Submit(ctx, id, task.DecisionApprove,
		"Entropy Check: Passed\nVerify: 92/100", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonInsufficientConfidence, res.Reason)

	res, err = f.engine.Submit(ctx, id, task.DecisionApprove,
		"Entropy Check: Passed\nVerify: 95/100", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	// MEDIUM risk accepts 92.
	id2 := f.reviewing(t, &task.Task{Description: "tune cache ttl", Risk: task.RiskMedium})
	res, err = f.engine.Submit(ctx, id2, task.DecisionApprove,
		"Entropy Check: Passed\nVerify: 92/100", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestConfidenceOverrideMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "rewrite billing", Risk: task.RiskHigh})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove,
		"Entropy Check: Passed\nCAPTAIN_OVERRIDE: CONFIDENCE", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestTestPairingGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "change auth flow", Archetype: task.ArchetypeAPI})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonMissingTestPair, res.Reason)

	f.addTestSibling(t, id)
	res, err = f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestRiskyApproveCompletesUnderDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The sibling lookup runs on the decision transaction; with one pooled
	// connection a second checkout here would hang until the deadline.
	id := f.reviewing(t, &task.Task{Description: "touch payment endpoint", Archetype: task.ArchetypeAPI})
	f.addTestSibling(t, id)

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.NoError(t, ctx.Err())
}

func TestEvidenceGateMandatorySource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "encrypt phi at rest", SourceIDs: []string{"HIPAA-12"}})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonMissingEvidence, res.Reason)

	// Evidence arrives through the review packet.
	require.NoError(t, f.engine.packets.Write(&task.ReviewPacket{
		TaskID:   id,
		Evidence: map[string][]string{"HIPAA-12": {"internal/vault/crypt.go:42"}},
	}))
	res, err = f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestStrongSourceAcceptsOverrideJustification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.reviewing(t, &task.Task{Description: "adjust retention", SourceIDs: []string{"PRO-4"}})
	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonMissingEvidence, res.Reason)

	// With an override justification on the row, STRONG passes without code
	// evidence.
	_, err = f.store.DB().ExecContext(ctx,
		"UPDATE tasks SET override_justification = ? WHERE id = ?", "approved offline by counsel", id)
	require.NoError(t, err)
	res, err = f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestAutoApproveSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	risky := f.reviewing(t, &task.Task{Description: "alter ledger math", Archetype: task.ArchetypeLogic})
	f.addTestSibling(t, risky)
	res, err := f.engine.Submit(ctx, risky, task.DecisionApprove, cleanNotes, task.ActorAuto)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonUnauthorizedAuto, res.Reason)

	strong := f.reviewing(t, &task.Task{Description: "routine with strong source", SourceIDs: []string{"DR-2"}})
	_, err = f.store.DB().ExecContext(ctx,
		"UPDATE tasks SET override_justification = ? WHERE id = ?", "pre-cleared", strong)
	require.NoError(t, err)
	res, err = f.engine.Submit(ctx, strong, task.DecisionApprove, cleanNotes, task.ActorAuto)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, res.Status)
	require.Equal(t, task.ReasonUnauthorizedAuto, res.Reason)

	plain := f.reviewing(t, &task.Task{Description: "plain chore", SourceIDs: []string{"STD-1"}})
	res, err = f.engine.Submit(ctx, plain, task.DecisionApprove, cleanNotes, task.ActorAuto)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestKickbackSkipsGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "messy change", Archetype: task.ArchetypeAPI, Risk: task.RiskHigh})

	// No proofs, risky archetype, no test pair: KICKBACK still lands.
	res, err := f.engine.Submit(ctx, id, task.DecisionKickback, "do it again with tests", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	got, _ := f.store.GetTask(ctx, id)
	require.Equal(t, task.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "unsalvageable"})

	res, err := f.engine.Submit(ctx, id, task.DecisionReject, "off spec entirely", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	got, _ := f.store.GetTask(ctx, id)
	require.Equal(t, task.StatusDeadLetter, got.Status)

	// Nothing else lands on a dead_letter row.
	res, err = f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)
}

func TestSubmitValidatesInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reviewing(t, &task.Task{Description: "x"})

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.Actor("ROBOT"))
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)
	require.Equal(t, task.ReasonInvalidActor, res.Reason)

	res, err = f.engine.Submit(ctx, id, task.Decision("SHRUG"), "", task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)

	res, err = f.engine.Submit(ctx, 404404, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)
	require.Equal(t, "TASK_NOT_FOUND", res.Reason)
}

func TestSubmitRequiresReviewingStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.store.BeginImmediate(ctx)
	require.NoError(t, err)
	id, err := store.InsertTask(ctx, tx, &task.Task{
		Lane: task.LaneBackend, Description: "still pending", TaskSignature: "p",
		Priority: task.PriorityNormal,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	res, err := f.engine.Submit(ctx, id, task.DecisionApprove, cleanNotes, task.ActorHuman)
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Status)
}
