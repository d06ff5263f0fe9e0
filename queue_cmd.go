package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/karelmaki/fotosync/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline mutation queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueDeadCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueDropCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending mutations in replay order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.queue.ListPending(cmd.Context())
			if err != nil {
				return err
			}

			if len(pending) == 0 {
				statusf("Queue is empty.\n")
				return nil
			}

			printMutationTable(pending, false)

			return nil
		},
	}
}

func newQueueDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered mutations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			dead, err := app.queue.ListDead(cmd.Context())
			if err != nil {
				return err
			}

			if len(dead) == 0 {
				statusf("No dead mutations.\n")
				return nil
			}

			printMutationTable(dead, true)

			return nil
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a dead mutation to the queue with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.queue.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf("Mutation %s requeued.\n", args[0])

			return nil
		},
	}
}

func newQueueDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>",
		Short: "Discard a mutation permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.queue.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf("Mutation %s dropped.\n", args[0])

			return nil
		},
	}
}

func printMutationTable(muts []*queue.Mutation, showReason bool) {
	headers := []string{"ID", "TARGET", "OP", "CREATED", "RETRIES"}
	if showReason {
		headers = append(headers, "REASON")
	}

	rows := make([][]string, 0, len(muts))

	for _, m := range muts {
		row := []string{
			m.ID,
			m.Collection + "/" + m.DocID,
			string(m.Op),
			formatAge(time.Unix(0, m.CreatedAt)),
			fmt.Sprintf("%d", m.RetryCount),
		}

		if showReason {
			row = append(row, m.DeadReason)
		}

		rows = append(rows, row)
	}

	printTable(os.Stdout, headers, rows)
}
