package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gantry/internal/task"
)

// Worker-facing flags.
var (
	workerID     string
	workerType   string
	blockedLanes []string
	heartbeatIDs []int64
	leaseID      string
	taskOutput   string
	taskFailed   bool
)

// nextCmd claims the next task for a worker.
var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Claim the next schedulable task",
	Long: `Claims the next task for the worker under a fresh lease. Lanes rotate
fairly; URGENT and HIGH priority tasks preempt the rotation. Prints the
claimed task and lease token as JSON, or NO_WORK with per-lane diagnostics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := b.PickNext(ctx, workerID, workerType, toLanes(blockedLanes))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// heartbeatCmd extends the worker's leases.
var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Register the worker and extend its leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := b.WorkerHeartbeat(ctx, workerID, workerType, nil, heartbeatIDs)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// completeCmd hands a finished task to review.
var completeCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Complete a task and hand it to review",
	Long: `Verifies the lease and moves the task to reviewing. With --failed the
task is blocked instead and the output recorded as the blocker reason.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}

		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := b.CompleteTask(ctx, id, taskOutput, !taskFailed, workerID, leaseID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func toLanes(names []string) []task.Lane {
	var out []task.Lane
	for _, n := range names {
		out = append(out, task.Lane(n))
	}
	return out
}

func parseTaskID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{nextCmd, heartbeatCmd, completeCmd} {
		c.Flags().StringVar(&workerID, "worker", "", "Worker identifier")
		c.MarkFlagRequired("worker")
	}
	nextCmd.Flags().StringVar(&workerType, "type", "", "Worker type (backend, frontend, qa, ops, docs)")
	nextCmd.Flags().StringSliceVar(&blockedLanes, "blocked-lanes", nil, "Lanes to exclude from this pick")
	heartbeatCmd.Flags().StringVar(&workerType, "type", "", "Worker type")
	heartbeatCmd.Flags().Int64SliceVar(&heartbeatIDs, "tasks", nil, "Task ids held under lease")
	completeCmd.Flags().StringVar(&leaseID, "lease", "", "Lease token from the claim")
	completeCmd.MarkFlagRequired("lease")
	completeCmd.Flags().StringVar(&taskOutput, "output", "", "Worker output or failure detail")
	completeCmd.Flags().BoolVar(&taskFailed, "failed", false, "Report failure; blocks the task")
}
