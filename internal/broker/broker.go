// Package broker wires the gantry components behind the contractual
// tool-call surface. Every entry point returns a structured result carrying
// a status and, when non-OK, a reason collaborators can render verbatim.
package broker

import (
	"context"
	"errors"
	"fmt"

	"gantry/internal/config"
	"gantry/internal/gavel"
	"gantry/internal/lease"
	"gantry/internal/ledger"
	"gantry/internal/logging"
	"gantry/internal/plan"
	"gantry/internal/readiness"
	"gantry/internal/scheduler"
	"gantry/internal/snapshot"
	"gantry/internal/store"
	"gantry/internal/task"
)

// Broker owns the wired components. Construct with New; Close releases the
// store.
type Broker struct {
	cfg      *config.Config
	store    *store.Store
	leases   *lease.Manager
	sched    *scheduler.Scheduler
	gate     *readiness.Gate
	acceptor *plan.Acceptor
	engine   *gavel.Engine
	packets  *gavel.PacketStore
	snaps    *snapshot.Service
}

// New opens the store and wires every component from configuration. Policy
// artifacts (source registry, provenance) are loaded once here.
func New(cfg *config.Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path, cfg.GetBusyTimeout())
	if err != nil {
		return nil, err
	}

	lm := lease.NewManager(st, cfg.GetLeaseTTL())
	sch := scheduler.New(st, lm, scheduler.Config{
		MaxRetries:      cfg.Scheduler.MaxRetries,
		ClaimRetries:    cfg.Scheduler.ClaimRetries,
		WorkerLanes:     cfg.Scheduler.WorkerLanes,
		SatisfiedTokens: cfg.Scheduler.SatisfiedDepTokens,
	})
	gate := readiness.NewGate(cfg.Readiness.DocsDir, readiness.Thresholds{
		PRD:         cfg.Readiness.PRDThreshold,
		Spec:        cfg.Readiness.SpecThreshold,
		DecisionLog: cfg.Readiness.DecisionThreshold,
	})

	registry, err := gavel.LoadRegistry(cfg.Review.RegistryPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	provenance, err := gavel.LoadProvenance(cfg.Review.ProvenancePath)
	if err != nil {
		st.Close()
		return nil, err
	}
	packets := gavel.NewPacketStore(cfg.Review.PacketDir)
	mirror := ledger.NewMirror(cfg.Review.LedgerPath)
	engine := gavel.NewEngine(st, registry, packets, provenance, mirror)

	b := &Broker{
		cfg:      cfg,
		store:    st,
		leases:   lm,
		sched:    sch,
		gate:     gate,
		acceptor: plan.NewAcceptor(st, gate, cfg.StateDir()),
		engine:   engine,
		packets:  packets,
		snaps:    snapshot.NewService(st, gate),
	}
	logging.Get(logging.CategoryBoot).Info("broker wired (db=%s)", cfg.Store.Path)
	return b, nil
}

// Store exposes the canonical store for read-only callers.
func (b *Broker) Store() *store.Store {
	return b.store
}

// Scheduler exposes the scheduler for the sweeper.
func (b *Broker) Scheduler() *scheduler.Scheduler {
	return b.sched
}

// Close releases the store.
func (b *Broker) Close() error {
	return b.store.Close()
}

// PickNext claims the next task for a worker. See scheduler.PickNext.
func (b *Broker) PickNext(ctx context.Context, workerID, workerType string, blockedLanes []task.Lane) (*scheduler.PickResult, error) {
	logging.Get(logging.CategoryAPI).Debug("pick_next worker=%s type=%s", workerID, workerType)
	return b.sched.PickNext(ctx, workerID, workerType, blockedLanes)
}

// HeartbeatResult is the worker_heartbeat response.
type HeartbeatResult struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// WorkerHeartbeat registers the worker and extends its leases.
func (b *Broker) WorkerHeartbeat(ctx context.Context, workerID, workerType string, allowedLanes []task.Lane, taskIDs []int64) (*HeartbeatResult, error) {
	lastSeen, err := b.leases.Heartbeat(ctx, workerID, workerType, allowedLanes, taskIDs)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{Status: "OK", LastSeen: lastSeen}, nil
}

// CompleteResult is the complete_task response.
type CompleteResult struct {
	Status string `json:"status"` // REVIEWING | ERROR
	Reason string `json:"reason,omitempty"`
}

// CompleteTask verifies the lease and moves the task to reviewing. Lease and
// transition failures come back as structured errors, not Go errors.
func (b *Broker) CompleteTask(ctx context.Context, id int64, output string, ok bool, workerID, leaseID string) (*CompleteResult, error) {
	if !ok {
		// A failed run releases the task back through the blocker path.
		if err := b.leases.Block(ctx, id, workerID, "worker reported failure: "+output); err != nil {
			return completeError(err)
		}
		return &CompleteResult{Status: "ERROR", Reason: "worker reported failure; task blocked"}, nil
	}

	if err := b.leases.Complete(ctx, id, workerID, leaseID, output); err != nil {
		return completeError(err)
	}
	return &CompleteResult{Status: "REVIEWING"}, nil
}

func completeError(err error) (*CompleteResult, error) {
	switch {
	case errors.Is(err, task.ErrLeaseMismatch),
		errors.Is(err, task.ErrIllegalTransition),
		errors.Is(err, task.ErrNotFound):
		return &CompleteResult{Status: "ERROR", Reason: err.Error()}, nil
	}
	return nil, err
}

// AcceptPlan runs the plan acceptance protocol on the artifact at path.
func (b *Broker) AcceptPlan(ctx context.Context, path string) (*plan.Result, error) {
	logging.Get(logging.CategoryAPI).Info("accept_plan %s", path)
	return b.acceptor.Accept(ctx, path)
}

// SubmitReviewDecision routes a decision through the gavel.
func (b *Broker) SubmitReviewDecision(ctx context.Context, id int64, decision task.Decision, notes string, actor task.Actor) (*gavel.Result, error) {
	return b.engine.Submit(ctx, id, decision, notes, actor)
}

// SubmitReviewPacket stores a worker's review packet before completion.
func (b *Broker) SubmitReviewPacket(packet *task.ReviewPacket) error {
	return b.packets.Write(packet)
}

// GetExecSnapshot builds the read-only projection.
func (b *Broker) GetExecSnapshot(ctx context.Context) *snapshot.Snapshot {
	return b.snaps.Build(ctx)
}

// GetContextReadiness scores the three documents.
func (b *Broker) GetContextReadiness() *readiness.Result {
	return b.gate.Check()
}

// PostMessage appends to a task's message log. A blocker message posted with
// the owning worker's id releases the task; the lease manager rejects ids
// that do not hold the lease.
func (b *Broker) PostMessage(ctx context.Context, m *task.Message, workerID string) error {
	if m.Kind == "blocker" && m.Role == task.RoleWorker {
		return b.leases.Block(ctx, m.TaskID, workerID, m.Content)
	}
	return b.store.AppendMessage(ctx, m)
}

// ListMessages returns a task's message log.
func (b *Broker) ListMessages(ctx context.Context, taskID int64) ([]*task.Message, error) {
	return b.store.MessagesForTask(ctx, taskID)
}

// Requeue moves a blocked task back to pending. Admin operation, actor
// HUMAN by definition.
func (b *Broker) Requeue(ctx context.Context, id int64) error {
	tx, err := b.store.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrStore, err)
	}
	defer tx.Rollback()

	changed, err := store.RequeueBlocked(ctx, tx, id)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: requeue of non-blocked task %d", task.ErrIllegalTransition, id)
	}
	if err := store.AppendMessageTx(ctx, tx, &task.Message{
		TaskID: id, Role: task.RoleAdmin, Kind: "audit", Content: "requeued by admin",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Purge destroys a task and its messages. Admin-only.
func (b *Broker) Purge(ctx context.Context, id int64) error {
	logging.Get(logging.CategoryAPI).Warn("purging task %d", id)
	return b.store.PurgeTask(ctx, id)
}
