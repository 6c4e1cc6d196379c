package scheduler

import (
	"context"
	"database/sql"
	"strconv"

	"gantry/internal/store"
	"gantry/internal/task"
)

// depResolution is the outcome of walking a task's dependency set.
type depResolution struct {
	schedulable   bool
	blockedReason string // INCOMPLETE_DEPS or UNKNOWN_DEPS
	unknownTokens []string
}

// resolveDeps decides whether a task is schedulable. A dependency is
// satisfied when it is a numeric id whose row is completed or absent
// (known-absent), or an opaque token present in the satisfied set. Unknown
// tokens block the task forever and are surfaced, never dropped.
func resolveDeps(ctx context.Context, tx *sql.Tx, t *task.Task, satisfied map[string]bool) (depResolution, error) {
	if len(t.Dependencies) == 0 {
		return depResolution{schedulable: true}, nil
	}

	var ids []int64
	var tokens []string
	for _, dep := range t.Dependencies {
		if id, err := strconv.ParseInt(dep, 10, 64); err == nil {
			ids = append(ids, id)
			continue
		}
		tokens = append(tokens, dep)
	}

	res := depResolution{schedulable: true}
	for _, tok := range tokens {
		if satisfied[tok] {
			continue
		}
		res.schedulable = false
		res.blockedReason = task.BlockedUnknownDeps
		res.unknownTokens = append(res.unknownTokens, tok)
	}

	if len(ids) > 0 {
		statuses, err := store.DependencyStatuses(ctx, tx, ids)
		if err != nil {
			return depResolution{}, err
		}
		for _, id := range ids {
			st, exists := statuses[id]
			if !exists || st == task.StatusCompleted {
				continue
			}
			res.schedulable = false
			if res.blockedReason == "" {
				res.blockedReason = task.BlockedIncompleteDeps
			}
		}
	}
	return res, nil
}
