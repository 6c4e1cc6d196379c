// Package gavel is the review engine. It applies authority, archetype,
// entropy, and confidence policy to tasks in reviewing and renders APPROVE,
// REJECT, or KICKBACK decisions.
//
// Decisions are atomic: the ledger row and the state transition commit in
// one transaction or not at all. The JSONL mirror is appended after commit.
package gavel

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gantry/internal/ledger"
	"gantry/internal/logging"
	"gantry/internal/metrics"
	"gantry/internal/store"
	"gantry/internal/task"
)

// Result statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusBlocked = "BLOCKED"
	StatusError   = "ERROR"
)

// Confidence floors by risk.
const (
	confidenceMedium = 90
	confidenceHigh   = 95
)

// Entropy and override markers expected in review notes.
const (
	markerEntropyPassed      = "Entropy Check: Passed"
	markerOptimizationWaived = "OPTIMIZATION WAIVED:"
	markerEntropyOverride    = "CAPTAIN_OVERRIDE: ENTROPY"
	markerConfidenceOverride = "CAPTAIN_OVERRIDE: CONFIDENCE"
)

var verifyScoreRe = regexp.MustCompile(`Verify:\s*(\d+)\s*/\s*100`)

// Result is the outcome of submit_review_decision.
type Result struct {
	Status   string        `json:"status"`
	Decision task.Decision `json:"decision,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Engine renders review decisions against policy.
type Engine struct {
	store      *store.Store
	registry   *SourceRegistry
	packets    *PacketStore
	provenance Provenance
	mirror     *ledger.Mirror
}

// NewEngine wires a review engine. Registry and provenance are loaded once
// by the caller and cached here.
func NewEngine(s *store.Store, reg *SourceRegistry, packets *PacketStore, prov Provenance, mirror *ledger.Mirror) *Engine {
	return &Engine{store: s, registry: reg, packets: packets, provenance: prov, mirror: mirror}
}

// Submit renders a decision for a task in reviewing. APPROVE runs the policy
// gates; KICKBACK and REJECT only validate the actor. A BLOCKED result means
// a gate failed and nothing was written.
func (e *Engine) Submit(ctx context.Context, id int64, decision task.Decision, notes string, actor task.Actor) (*Result, error) {
	log := logging.Get(logging.CategoryGavel)

	if !task.ValidActor(actor) {
		return &Result{Status: StatusError, Reason: task.ReasonInvalidActor}, nil
	}
	switch decision {
	case task.DecisionApprove, task.DecisionReject, task.DecisionKickback:
	default:
		return &Result{Status: StatusError, Reason: fmt.Sprintf("unknown decision %q", decision)}, nil
	}

	tx, err := e.store.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	t, err := store.GetTaskTx(ctx, tx, id)
	if err != nil {
		if err == task.ErrNotFound {
			return &Result{Status: StatusError, Reason: "TASK_NOT_FOUND"}, nil
		}
		return nil, err
	}
	if t.Status != task.StatusReviewing {
		return &Result{Status: StatusError, Reason: task.ErrIllegalTransition.Error()}, nil
	}

	if decision == task.DecisionApprove {
		reason, err := e.runGates(ctx, tx, t, notes, actor)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			log.Info("task %d approve blocked: %s (actor %s)", id, reason, actor)
			return &Result{Status: StatusBlocked, Reason: reason}, nil
		}
	}

	var changed bool
	switch decision {
	case task.DecisionApprove:
		changed, err = store.ApproveTask(ctx, tx, id, string(decision), notes)
	case task.DecisionKickback:
		changed, err = store.KickbackTask(ctx, tx, id, string(decision), notes)
	case task.DecisionReject:
		changed, err = store.RejectTask(ctx, tx, id, string(decision), notes)
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{Status: StatusError, Reason: task.ErrIllegalTransition.Error()}, nil
	}

	entry := &task.LedgerEntry{
		TaskID:       id,
		Decision:     decision,
		Actor:        actor,
		SnapshotHash: snapshotHash(t),
		Notes:        notes,
	}
	if err := store.AppendLedgerTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	e.mirror.Append(entry)
	metrics.Decisions.WithLabelValues(string(decision)).Inc()
	log.Info("task %d: %s by %s", id, decision, actor)
	return &Result{Status: StatusSuccess, Decision: decision}, nil
}

// runGates evaluates the approval gates in order; the first failure decides.
// Queries run on the decision transaction, which holds the store's only
// connection until Submit commits.
func (e *Engine) runGates(ctx context.Context, tx *sql.Tx, t *task.Task, notes string, actor task.Actor) (string, error) {
	packet, err := e.packets.Read(t.ID)
	if err != nil {
		logging.Get(logging.CategoryGavel).Warn("packet read failed for task %d: %v", t.ID, err)
		packet = nil
	}

	// 1. Evidence gate.
	for _, sourceID := range t.SourceIDs {
		switch e.registry.Resolve(sourceID) {
		case task.AuthorityMandatory:
			if !e.provenance.HasEvidence(sourceID, packet) {
				return task.ReasonMissingEvidence, nil
			}
		case task.AuthorityStrong:
			if !e.provenance.HasEvidence(sourceID, packet) && t.OverrideJustification == "" {
				return task.ReasonMissingEvidence, nil
			}
		}
	}

	// 2. Test-pairing gate.
	if t.Archetype.Risky() {
		paired, err := store.HasTestSibling(ctx, tx, t.ID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		if !paired {
			return task.ReasonMissingTestPair, nil
		}
	}

	// 3. Entropy gate.
	if !hasEntropyProof(notes) {
		return task.ReasonMissingEntropyProof, nil
	}

	// 4. Confidence gate, scaled by risk.
	if t.Risk == task.RiskMedium || t.Risk == task.RiskHigh {
		if reason := checkConfidence(notes, t.Risk); reason != "" {
			return reason, nil
		}
	}

	// 5. Auto-approve safety.
	if actor == task.ActorAuto {
		if t.Archetype.Risky() || t.Archetype == task.ArchetypeSec {
			return task.ReasonUnauthorizedAuto, nil
		}
		for _, sourceID := range t.SourceIDs {
			if e.registry.Resolve(sourceID) != task.AuthorityDefault {
				return task.ReasonUnauthorizedAuto, nil
			}
		}
	}
	return "", nil
}

func hasEntropyProof(notes string) bool {
	return strings.Contains(notes, markerEntropyPassed) ||
		strings.Contains(notes, markerOptimizationWaived) ||
		strings.Contains(notes, markerEntropyOverride)
}

func checkConfidence(notes string, risk task.Risk) string {
	if strings.Contains(notes, markerConfidenceOverride) {
		return ""
	}
	m := verifyScoreRe.FindStringSubmatch(notes)
	if m == nil {
		return task.ReasonMissingConfidenceProof
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		return task.ReasonMissingConfidenceProof
	}
	floor := confidenceMedium
	if risk == task.RiskHigh {
		floor = confidenceHigh
	}
	if score < floor {
		return task.ReasonInsufficientConfidence
	}
	return ""
}

// snapshotHash fingerprints the task row as reviewed, for the ledger.
func snapshotHash(t *task.Task) string {
	raw, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
