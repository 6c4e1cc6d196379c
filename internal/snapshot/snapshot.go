// Package snapshot builds the read-only exec projection for observers:
// plan identity, lane stats, active tasks, workers, the scheduler's last
// decision, and derived alerts.
//
// All fields are optional-safe: missing data yields zero values or empty
// lists, never a changed schema shape.
package snapshot

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"gantry/internal/logging"
	"gantry/internal/metrics"
	"gantry/internal/readiness"
	"gantry/internal/store"
	"gantry/internal/task"
)

// activeTaskLimit bounds the active list in one snapshot.
const activeTaskLimit = 50

// Plan identifies the accepted plan.
type Plan struct {
	Path    string `json:"path,omitempty"`
	Name    string `json:"name,omitempty"`
	Hash    string `json:"hash,omitempty"`
	Version string `json:"version,omitempty"`
}

// ActiveTask is one in-flight row in the projection.
type ActiveTask struct {
	ID          int64     `json:"id"`
	Lane        task.Lane `json:"lane"`
	Type        task.Lane `json:"type"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	WorkerID    string    `json:"worker_id,omitempty"`
	DepsBlocked bool      `json:"deps_blocked"`
}

// WorkerView is a registration row with a derived last-seen age.
type WorkerView struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AllowedLanes []task.Lane `json:"allowed_lanes,omitempty"`
	TaskIDs      []int64     `json:"task_ids,omitempty"`
	LastSeenAge  string      `json:"last_seen_age,omitempty"`
}

// Alert flags an observable condition.
type Alert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // warn | error
	Detail   string `json:"detail,omitempty"`
}

// Security carries read-only state flags.
type Security struct {
	ReadOnlyMode bool `json:"read_only_mode"`
	GitClean     bool `json:"git_clean"`
}

// SchedulerView exposes the last pick for observers.
type SchedulerView struct {
	LastDecision json.RawMessage `json:"last_decision,omitempty"`
	Pointer      json.RawMessage `json:"pointer,omitempty"`
}

// Snapshot is the full projection.
type Snapshot struct {
	Plan        Plan                            `json:"plan"`
	Stream      string                          `json:"stream"` // readiness status
	Security    Security                        `json:"security"`
	Scheduler   SchedulerView                   `json:"scheduler"`
	Lanes       map[task.Lane]*store.LaneCounts `json:"lanes"`
	Workers     []WorkerView                    `json:"workers"`
	ActiveTasks []ActiveTask                    `json:"active_tasks"`
	Alerts      []Alert                         `json:"alerts"`
}

// Service assembles snapshots.
type Service struct {
	store *store.Store
	gate  *readiness.Gate
}

// NewService creates a snapshot service.
func NewService(s *store.Store, gate *readiness.Gate) *Service {
	return &Service{store: s, gate: gate}
}

// Build assembles one snapshot. Partial failures degrade fields to their
// zero values rather than failing the projection.
func (svc *Service) Build(ctx context.Context) *Snapshot {
	log := logging.Get(logging.CategorySnapshot)
	snap := &Snapshot{
		Lanes:       make(map[task.Lane]*store.LaneCounts),
		Workers:     []WorkerView{},
		ActiveTasks: []ActiveTask{},
		Alerts:      []Alert{},
	}

	snap.Stream = svc.gate.Check().Status
	svc.fillPlan(ctx, snap)
	svc.fillScheduler(ctx, snap)

	if lanes, err := svc.store.CountsByLane(ctx); err == nil {
		snap.Lanes = lanes
	} else {
		log.Warn("lane counts failed: %v", err)
	}

	svc.fillWorkers(ctx, snap)
	svc.fillActive(ctx, snap)
	svc.fillAlerts(ctx, snap)
	svc.refreshGauges(ctx)
	return snap
}

func (svc *Service) fillPlan(ctx context.Context, snap *Snapshot) {
	path, ok, err := svc.store.GetConfig(ctx, store.KeyAcceptedPlanPath)
	if err != nil || !ok {
		return
	}
	snap.Plan.Path = path
	snap.Plan.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	snap.Plan.Version = "1"

	tasks, err := svc.store.TasksByStatus(ctx, task.StatusPending, 1)
	if err == nil && len(tasks) > 0 {
		snap.Plan.Hash = tasks[0].SourcePlanHash
	}
}

func (svc *Service) fillScheduler(ctx context.Context, snap *Snapshot) {
	if raw, ok, err := svc.store.GetConfig(ctx, store.KeySchedulerLastDecision); err == nil && ok {
		snap.Scheduler.LastDecision = json.RawMessage(raw)
	}
	if raw, ok, err := svc.store.GetConfig(ctx, store.KeySchedulerPointer); err == nil && ok {
		snap.Scheduler.Pointer = json.RawMessage(raw)
	}
}

func (svc *Service) fillWorkers(ctx context.Context, snap *Snapshot) {
	workers, err := svc.store.Workers(ctx)
	if err != nil {
		logging.Get(logging.CategorySnapshot).Warn("workers query failed: %v", err)
		return
	}
	now := time.Now().UnixMilli()
	for _, w := range workers {
		age := time.Duration(now-w.LastSeen) * time.Millisecond
		snap.Workers = append(snap.Workers, WorkerView{
			ID:           w.WorkerID,
			Type:         w.WorkerType,
			AllowedLanes: w.AllowedLanes,
			TaskIDs:      w.CurrentTaskIDs,
			LastSeenAge:  age.Truncate(time.Second).String(),
		})
	}
}

func (svc *Service) fillActive(ctx context.Context, snap *Snapshot) {
	for _, st := range []task.Status{task.StatusInProgress, task.StatusReviewing, task.StatusBlocked} {
		tasks, err := svc.store.TasksByStatus(ctx, st, activeTaskLimit)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			snap.ActiveTasks = append(snap.ActiveTasks, ActiveTask{
				ID:          t.ID,
				Lane:        t.Lane,
				Type:        t.Type,
				Title:       t.Description,
				Status:      string(t.Status),
				WorkerID:    t.WorkerID,
				DepsBlocked: st == task.StatusBlocked,
			})
		}
	}
}

func (svc *Service) fillAlerts(ctx context.Context, snap *Snapshot) {
	blocked, err := store.CountByStatus(ctx, svc.store.DB(), task.StatusBlocked)
	if err == nil && blocked > 0 {
		snap.Alerts = append(snap.Alerts, Alert{
			Code:     "TASKS_BLOCKED",
			Severity: "warn",
			Detail:   "one or more tasks are blocked",
		})
	}
	dead, err := store.CountByStatus(ctx, svc.store.DB(), task.StatusDeadLetter)
	if err == nil && dead > 0 {
		snap.Alerts = append(snap.Alerts, Alert{
			Code:     "RED_DECISION",
			Severity: "error",
			Detail:   "tasks were rejected to the dead letter queue",
		})
	}
}

// refreshGauges keeps the prometheus queue-depth gauges current.
func (svc *Service) refreshGauges(ctx context.Context) {
	for _, st := range []task.Status{
		task.StatusPending, task.StatusInProgress, task.StatusReviewing,
		task.StatusCompleted, task.StatusBlocked, task.StatusDeadLetter,
	} {
		if n, err := store.CountByStatus(ctx, svc.store.DB(), st); err == nil {
			metrics.TasksByStatus.WithLabelValues(string(st)).Set(float64(n))
		}
	}
}
