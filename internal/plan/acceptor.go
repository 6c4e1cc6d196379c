// Package plan turns plan artifacts into pending tasks.
//
// Acceptance is idempotent twice over: a plan hash collision is a no-op, and
// within a plan, tasks deduplicate by (lane, normalized description)
// signature. All surviving tasks insert in one transaction.
package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gantry/internal/logging"
	"gantry/internal/metrics"
	"gantry/internal/readiness"
	"gantry/internal/store"
	"gantry/internal/task"
)

// Acceptance statuses.
const (
	StatusOK              = "OK"
	StatusAlreadyAccepted = "ALREADY_ACCEPTED"
	StatusBlocked         = "BLOCKED"
	StatusError           = "ERROR"
)

// Result is the outcome of accept_plan.
type Result struct {
	Status        string   `json:"status"`
	CreatedCount  int      `json:"created_count,omitempty"`
	PlanHash      string   `json:"plan_hash,omitempty"`
	BlockingFiles []string `json:"blocking_files,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Acceptor parses plans and writes tasks through the store.
type Acceptor struct {
	store      *store.Store
	gate       *readiness.Gate
	previewDir string // state dir receiving plan_preview.md
}

// NewAcceptor creates a plan acceptor.
func NewAcceptor(s *store.Store, gate *readiness.Gate, previewDir string) *Acceptor {
	return &Acceptor{store: s, gate: gate, previewDir: previewDir}
}

// Accept runs the full acceptance protocol for the artifact at path.
func (a *Acceptor) Accept(ctx context.Context, path string) (*Result, error) {
	log := logging.Get(logging.CategoryPlan)

	// Strategic operations require EXECUTION readiness.
	gate := a.gate.Check()
	if gate.Status == readiness.StatusBootstrap {
		log.Info("plan %s blocked: readiness BOOTSTRAP (%v)", path, gate.BlockingFiles)
		return &Result{
			Status:        StatusBlocked,
			Reason:        "BLOCKED_BOOTSTRAP",
			BlockingFiles: gate.BlockingFiles,
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Status: StatusError, Reason: fmt.Sprintf("cannot read plan: %v", err)}, nil
	}
	content := string(data)
	hash := Hash(content)

	exists, err := a.store.PlanExists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info("plan %s already accepted (hash %.12s)", path, hash)
		return &Result{Status: StatusAlreadyAccepted, PlanHash: hash}, nil
	}

	parsed := Parse(content)
	if len(parsed) == 0 {
		return &Result{Status: StatusError, PlanHash: hash, Reason: "plan contains no tasks"}, nil
	}

	// Per-plan signature dedup, first occurrence wins.
	seen := make(map[string]bool, len(parsed))
	var unique []ParsedTask
	for _, pt := range parsed {
		if seen[pt.Signature] {
			log.Debug("dropping duplicate signature %.12s (%s)", pt.Signature, pt.Description)
			continue
		}
		seen[pt.Signature] = true
		unique = append(unique, pt)
	}

	tx, err := a.store.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	created := 0
	for _, pt := range unique {
		t := &task.Task{
			Lane:           pt.Lane,
			Description:    pt.Description,
			Dependencies:   pt.Deps,
			Priority:       pt.Priority,
			ExecClass:      pt.ExecClass,
			Archetype:      pt.Archetype,
			Risk:           pt.Risk,
			SourceIDs:      pt.Trace,
			SourcePlanHash: hash,
			TaskSignature:  pt.Signature,
			DoD:            pt.DoD,
			Trace:          strings.Join(pt.Trace, ","),
		}
		if _, err := store.InsertTask(ctx, tx, t); err != nil {
			return &Result{Status: StatusError, PlanHash: hash, Reason: err.Error()}, nil
		}
		created++
	}

	if err := store.SetConfigTx(ctx, tx, store.KeyAcceptedPlanPath, path); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	metrics.PlansAccepted.Inc()
	log.Info("accepted plan %s: %d tasks (hash %.12s)", path, created, hash)

	if err := a.writePreview(ctx, hash); err != nil {
		// Preview is a derived artifact; failing it does not undo acceptance.
		log.Warn("failed to write plan preview: %v", err)
	}
	return &Result{Status: StatusOK, CreatedCount: created, PlanHash: hash}, nil
}

// writePreview materializes plan_preview.md from the store, the source of
// truth, rather than from the input artifact.
func (a *Acceptor) writePreview(ctx context.Context, hash string) error {
	tasks, err := a.store.TasksForPlan(ctx, hash)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan Preview\n\nHash: `%s`\nTasks: %d\n\n", hash, len(tasks))
	fmt.Fprintf(&b, "| ID | Lane | Priority | Archetype | Risk | Description |\n")
	fmt.Fprintf(&b, "|----|------|----------|-----------|------|-------------|\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "| %d | %s | %d | %s | %s | %s |\n",
			t.ID, t.Lane, t.Priority, t.Archetype, t.Risk, t.Description)
	}

	if err := os.MkdirAll(a.previewDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.previewDir, "plan_preview.md"), []byte(b.String()), 0644)
}
