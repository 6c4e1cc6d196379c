package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/task"
)

var (
	reviewDecision string
	reviewNotes    string
	reviewActor    string
	packetPath     string
)

// reviewCmd renders a gavel decision for a task in reviewing.
var reviewCmd = &cobra.Command{
	Use:   "review [task-id]",
	Short: "Submit a review decision",
	Long: `Renders APPROVE, REJECT, or KICKBACK for a task in reviewing. APPROVE
runs the policy gates (evidence, test pairing, entropy, confidence,
auto-approve safety); a failed gate returns BLOCKED with the reason and
writes nothing. With --packet, the review packet file is registered
before the decision.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func runReview(cmd *cobra.Command, args []string) error {
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

	if packetPath != "" {
		data, err := os.ReadFile(packetPath)
		if err != nil {
			return fmt.Errorf("cannot read packet: %w", err)
		}
		var packet task.ReviewPacket
		if err := json.Unmarshal(data, &packet); err != nil {
			return fmt.Errorf("malformed packet: %w", err)
		}
		packet.TaskID = id
		if err := b.SubmitReviewPacket(&packet); err != nil {
			return err
		}
	}

	res, err := b.SubmitReviewDecision(ctx, id,
		task.Decision(strings.ToUpper(reviewDecision)), reviewNotes, task.Actor(strings.ToUpper(reviewActor)))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func init() {
	reviewCmd.Flags().StringVar(&reviewDecision, "decision", "", "APPROVE, REJECT, or KICKBACK")
	reviewCmd.MarkFlagRequired("decision")
	reviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "Review notes; gates scan these for proof markers")
	reviewCmd.Flags().StringVar(&reviewActor, "actor", "HUMAN", "Deciding actor: HUMAN, AUTO, or BATCH")
	reviewCmd.Flags().StringVar(&packetPath, "packet", "", "Review packet JSON to register first")
}
