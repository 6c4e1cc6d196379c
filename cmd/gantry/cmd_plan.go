package main

import (
	"context"

	"github.com/spf13/cobra"
)

// acceptPlanCmd ingests a plan artifact into the queue.
var acceptPlanCmd = &cobra.Command{
	Use:   "accept-plan [path]",
	Short: "Accept a plan artifact and create its tasks",
	Long: `Parses the markdown plan at path and inserts its tasks as pending.
Acceptance is idempotent: re-accepting an identical artifact is a no-op,
and duplicate tasks within one plan collapse by signature. Requires
EXECUTION readiness.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := b.AcceptPlan(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}
