// Package scheduler implements the braided round-robin scheduler.
//
// Lanes rotate in canonical order behind a persisted pointer; URGENT and
// HIGH priority tasks preempt the rotation. Every pick runs inside a single
// BEGIN IMMEDIATE transaction: reap, scan, claim, and pointer advance commit
// together or not at all.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gantry/internal/lease"
	"gantry/internal/logging"
	"gantry/internal/metrics"
	"gantry/internal/store"
	"gantry/internal/task"
)

// candidateWindow bounds how many pending rows per scan a dependency walk
// inspects.
const candidateWindow = 100

// laneDefaultWeight is the rotation weight of every lane; any pending task
// strictly more urgent than this preempts the rotation.
const laneDefaultWeight = task.PriorityNormal

// Config carries scheduler policy, fixed at startup.
type Config struct {
	MaxRetries      int                 // reaps before dead_letter
	ClaimRetries    int                 // lost-race rescans before NO_WORK
	WorkerLanes     map[string][]string // worker_type -> claimable lanes
	SatisfiedTokens []string            // opaque dep tokens treated as satisfied
}

// Scheduler hands out work under lease.
type Scheduler struct {
	store     *store.Store
	leases    *lease.Manager
	cfg       Config
	satisfied map[string]bool
}

// New creates a scheduler.
func New(s *store.Store, lm *lease.Manager, cfg Config) *Scheduler {
	if cfg.ClaimRetries < 1 {
		cfg.ClaimRetries = 3
	}
	sat := make(map[string]bool, len(cfg.SatisfiedTokens))
	for _, tok := range cfg.SatisfiedTokens {
		sat[tok] = true
	}
	return &Scheduler{store: s, leases: lm, cfg: cfg, satisfied: sat}
}

// LaneDiagnostics explains why a lane yielded nothing.
type LaneDiagnostics struct {
	BlockedReason string   `json:"blocked_reason"`
	UnknownTokens []string `json:"unknown_tokens,omitempty"`
}

// PickResult is the outcome of one pick_next call.
type PickResult struct {
	Status       string                         `json:"status"` // OK | NO_WORK
	Task         *task.Task                     `json:"task,omitempty"`
	LeaseID      string                         `json:"lease_id,omitempty"`
	Preempted    bool                           `json:"preempted"`
	Reason       string                         `json:"reason,omitempty"` // rotation | preempt
	PendingTotal int                            `json:"pending_total,omitempty"`
	BlockedLanes map[task.Lane]*LaneDiagnostics `json:"blocked_lanes,omitempty"`

	// lostRace marks a claim beaten by a concurrent picker; the caller
	// rescans instead of surfacing NO_WORK.
	lostRace bool
}

// lastDecision is persisted under scheduler_last_decision for observers.
type lastDecision struct {
	TaskID   int64     `json:"task_id,omitempty"`
	Lane     task.Lane `json:"lane,omitempty"`
	Reason   string    `json:"reason"`
	WorkerID string    `json:"worker_id"`
	At       int64     `json:"at"`
}

// PickNext reaps stale leases, then claims the next task for the worker.
// Lost claim races rescan up to ClaimRetries times before NO_WORK.
func (sch *Scheduler) PickNext(ctx context.Context, workerID, workerType string, blockedLanes []task.Lane) (*PickResult, error) {
	log := logging.Get(logging.CategoryScheduler)

	var res *PickResult
	var err error
	for attempt := 0; attempt < sch.cfg.ClaimRetries; attempt++ {
		res, err = sch.pickOnce(ctx, workerID, workerType, blockedLanes)
		if err != nil {
			return nil, err
		}
		if res.Status == "OK" || !res.lostRace {
			break
		}
		log.Debug("claim race lost, rescanning (attempt %d)", attempt+1)
	}

	if res.Status == "OK" {
		metrics.Picks.WithLabelValues(res.Reason).Inc()
		log.Info("picked task %d lane=%s reason=%s worker=%s", res.Task.ID, res.Task.Lane, res.Reason, workerID)
	} else {
		metrics.NoWork.Inc()
		log.Debug("no work for worker=%s type=%s", workerID, workerType)
	}
	return res, nil
}

// allowedLanes computes the claimable lanes for a worker type, minus any
// explicitly blocked lanes. Empty worker type allows everything.
func (sch *Scheduler) allowedLanes(workerType string, blocked []task.Lane) []task.Lane {
	blockedSet := make(map[task.Lane]bool, len(blocked))
	for _, l := range blocked {
		blockedSet[l] = true
	}

	var base []task.Lane
	if workerType == "" {
		base = task.LaneOrder
	} else if names, ok := sch.cfg.WorkerLanes[workerType]; ok {
		for _, n := range names {
			base = append(base, task.Lane(n))
		}
	} else {
		// Unknown worker types claim only their own-named lane, if canonical.
		if task.LaneRank(task.Lane(workerType)) >= 0 {
			base = []task.Lane{task.Lane(workerType)}
		}
	}

	var out []task.Lane
	for _, l := range base {
		if !blockedSet[l] {
			out = append(out, l)
		}
	}
	return out
}

func (sch *Scheduler) pickOnce(ctx context.Context, workerID, workerType string, blockedLanes []task.Lane) (*PickResult, error) {
	tx, err := sch.store.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	now := time.Now()
	if err := sch.reapTx(ctx, tx, now); err != nil {
		return nil, err
	}

	allowed := sch.allowedLanes(workerType, blockedLanes)
	diag := make(map[task.Lane]*LaneDiagnostics)

	picked, reason, err := sch.scan(ctx, tx, allowed, diag)
	if err != nil {
		return nil, err
	}

	if picked == nil {
		pending, err := store.CountByStatus(ctx, tx, task.StatusPending)
		if err != nil {
			return nil, err
		}
		if err := sch.recordDecision(ctx, tx, lastDecision{Reason: "no_work", WorkerID: workerID, At: now.UnixMilli()}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		return &PickResult{Status: "NO_WORK", PendingTotal: pending, BlockedLanes: diag}, nil
	}

	leaseID := lease.MintToken()
	expires := now.Add(sch.leases.TTL()).UnixMilli()
	claimed, err := store.ClaimTask(ctx, tx, picked.ID, workerID, leaseID, expires)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Row moved underneath us; commit the reaps and signal a rescan.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
		}
		return &PickResult{Status: "NO_WORK", lostRace: true}, nil
	}

	// Pointer advances with the claim so the two are never observed apart.
	next := (picked.LaneRank + 1) % len(task.LaneOrder)
	if err := store.SetLanePointerTx(ctx, tx, store.LanePointer{Index: next, Lane: task.LaneOrder[next]}); err != nil {
		return nil, err
	}
	if err := sch.recordDecision(ctx, tx, lastDecision{
		TaskID: picked.ID, Lane: picked.Lane, Reason: reason, WorkerID: workerID, At: now.UnixMilli(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrStore, err)
	}

	picked.Status = task.StatusInProgress
	picked.WorkerID = workerID
	picked.LeaseID = leaseID
	picked.LeaseExpiresAt = expires
	return &PickResult{
		Status:    "OK",
		Task:      picked,
		LeaseID:   leaseID,
		Preempted: reason == "preempt",
		Reason:    reason,
	}, nil
}

// scan finds the next claimable task: preemption first, rotation second.
func (sch *Scheduler) scan(ctx context.Context, tx *sql.Tx, allowed []task.Lane, diag map[task.Lane]*LaneDiagnostics) (*task.Task, string, error) {
	if len(allowed) == 0 {
		return nil, "", nil
	}

	// Preemption scan: most urgent schedulable task across all allowed lanes.
	candidates, err := store.PendingByPriority(ctx, tx, allowed, candidateWindow)
	if err != nil {
		return nil, "", err
	}
	for _, c := range candidates {
		if c.Priority >= laneDefaultWeight {
			break // preemption only applies below the default weight
		}
		res, err := resolveDeps(ctx, tx, c, sch.satisfied)
		if err != nil {
			return nil, "", err
		}
		if res.schedulable {
			return c, "preempt", nil
		}
	}

	// Rotation scan: walk the lane order once from the pointer.
	ptr, err := store.GetLanePointerTx(ctx, tx, task.LaneOrder)
	if err != nil {
		return nil, "", err
	}
	allowedSet := make(map[task.Lane]bool, len(allowed))
	for _, l := range allowed {
		allowedSet[l] = true
	}

	for i := 0; i < len(task.LaneOrder); i++ {
		lane := task.LaneOrder[(ptr.Index+i)%len(task.LaneOrder)]
		if !allowedSet[lane] {
			continue
		}
		pending, err := store.PendingInLane(ctx, tx, lane, candidateWindow)
		if err != nil {
			return nil, "", err
		}
		var laneDiag *LaneDiagnostics
		for _, c := range pending {
			res, err := resolveDeps(ctx, tx, c, sch.satisfied)
			if err != nil {
				return nil, "", err
			}
			if res.schedulable {
				return c, "rotation", nil
			}
			if laneDiag == nil || res.blockedReason == task.BlockedUnknownDeps {
				if laneDiag == nil {
					laneDiag = &LaneDiagnostics{}
				}
				if laneDiag.BlockedReason != task.BlockedUnknownDeps {
					laneDiag.BlockedReason = res.blockedReason
				}
				laneDiag.UnknownTokens = append(laneDiag.UnknownTokens, res.unknownTokens...)
			}
		}
		if laneDiag != nil {
			diag[lane] = laneDiag
		}
	}
	return nil, "", nil
}

// reapTx returns expired leases to pending, or to dead_letter past the
// retry budget. Runs at the head of every pick and from the sweeper.
func (sch *Scheduler) reapTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	expired, err := store.ExpiredLeases(ctx, tx, now.UnixMilli())
	if err != nil {
		return err
	}

	log := logging.Get(logging.CategoryScheduler)
	for _, t := range expired {
		dead := sch.cfg.MaxRetries > 0 && t.RetryCount+1 > sch.cfg.MaxRetries
		var changed bool
		if dead {
			changed, err = store.DeadLetterReap(ctx, tx, t.ID)
		} else {
			changed, err = store.ReapTask(ctx, tx, t.ID)
		}
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		metrics.Reaps.Inc()
		dest := task.StatusPending
		if dead {
			dest = task.StatusDeadLetter
		}
		log.Warn("reaped task %d from worker %s -> %s (retry %d)", t.ID, t.WorkerID, dest, t.RetryCount+1)
		if err := store.AppendMessageTx(ctx, tx, &task.Message{
			TaskID:  t.ID,
			Role:    task.RoleSystem,
			Kind:    "audit",
			Content: fmt.Sprintf("lease expired for worker %s; reaped to %s", t.WorkerID, dest),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Reap runs one standalone reap pass in its own transaction.
func (sch *Scheduler) Reap(ctx context.Context) error {
	tx, err := sch.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()
	if err := sch.reapTx(ctx, tx, time.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	return nil
}

func (sch *Scheduler) recordDecision(ctx context.Context, tx *sql.Tx, d lastDecision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return store.SetConfigTx(ctx, tx, store.KeySchedulerLastDecision, string(raw))
}
