package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gantry/internal/task"
)

var (
	msgRole    string
	msgKind    string
	msgContent string
	msgWorker  string
)

// msgCmd posts to or lists a task's message log.
var msgCmd = &cobra.Command{
	Use:   "msg [task-id]",
	Short: "Post to or list a task's message log",
	Long: `Without --content, lists the task's messages. With --content, appends
a message. A blocker message posted with --role worker and the owning
worker's --worker id releases the task to blocked.`,
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

		if msgContent == "" {
			msgs, err := b.ListMessages(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		}

		if err := b.PostMessage(ctx, &task.Message{
			TaskID:  id,
			Role:    task.MessageRole(msgRole),
			Kind:    msgKind,
			Content: msgContent,
		}, msgWorker); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

// requeueCmd returns a blocked task to pending.
var requeueCmd = &cobra.Command{
	Use:   "requeue [task-id]",
	Short: "Return a blocked task to pending",
	Args:  cobra.ExactArgs(1),
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
		if err := b.Requeue(ctx, id); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

// purgeCmd destroys a task and its messages.
var purgeCmd = &cobra.Command{
	Use:   "purge [task-id]",
	Short: "Destroy a task and its message log",
	Args:  cobra.ExactArgs(1),
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
		if err := b.Purge(ctx, id); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

func init() {
	msgCmd.Flags().StringVar(&msgRole, "role", string(task.RoleAdmin), "Author role")
	msgCmd.Flags().StringVar(&msgKind, "kind", "note", "Message kind (note, blocker, audit)")
	msgCmd.Flags().StringVar(&msgContent, "content", "", "Message body; omit to list")
	msgCmd.Flags().StringVar(&msgWorker, "worker", "", "Worker id; required for blocker messages")
}
