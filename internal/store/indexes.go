package store

import (
	"database/sql"
	"fmt"

	"gantry/internal/logging"
)

// hot-path indexes required by the scheduler and review queries
type taskIndex struct {
	name    string
	columns string
}

var taskIndexes = []taskIndex{
	// Scheduler rotation and preemption scans.
	{"idx_tasks_sched", "status, lane_rank, priority, created_at, id"},
	// Review queue.
	{"idx_tasks_review", "auditor_status, status"},
	// Test-pairing lookups.
	{"idx_tasks_archetype", "status, archetype"},
	// Stale-lease reaping and recency projections.
	{"idx_tasks_updated", "status, updated_at"},
	{"idx_tasks_signature", "task_signature"},
	{"idx_tasks_plan_hash", "source_plan_hash"},
}

func ensureTaskIndexes(db *sql.DB) {
	for _, idx := range taskIndexes {
		query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON tasks(%s);", idx.name, idx.columns)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to create index %s: %v", idx.name, err)
		}
	}
}
