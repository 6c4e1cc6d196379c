package main

import (
	"context"

	"github.com/spf13/cobra"
)

// snapshotCmd prints the exec projection.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the exec snapshot",
	Long: `Builds and prints the read-only projection: plan identity, readiness
stream, lane counts, workers, active tasks, and alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return printJSON(b.GetExecSnapshot(ctx))
	},
}

// readinessCmd scores the project documents.
var readinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Score PRD, SPEC, and DECISION_LOG",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		defer b.Close()
		return printJSON(b.GetContextReadiness())
	},
}
