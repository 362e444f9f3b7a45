package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"queueboard/pkg/queue"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Queue operations"}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.client.CreateQueue(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			return a.printQueue(q)
		},
	}
	create.Flags().StringVar(&description, "description", "", "queue description")

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queues, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			qs, err := a.client.ListQueues(cmd.Context(), queue.Status(status), limit)
			if err != nil {
				return err
			}
			if a.short {
				for _, q := range qs {
					a.shortQueue(&q)
				}
				return nil
			}
			return a.print(qs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "active or archived")
	list.Flags().IntVar(&limit, "limit", 50, "maximum queues")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a queue with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.client.GetQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printQueue(q)
		},
	}

	var name, desc string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename or describe a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f queue.Fields
			if cmd.Flags().Changed("name") {
				f.Name = &name
			}
			if cmd.Flags().Changed("description") {
				f.Description = &desc
			}
			if f.Name == nil && f.Description == nil {
				return fmt.Errorf("no updates specified")
			}
			q, err := a.client.UpdateQueue(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			return a.printQueue(q)
		},
	}
	update.Flags().StringVar(&name, "name", "", "new name")
	update.Flags().StringVar(&desc, "description", "", "new description")

	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a queue; archived queues accept no new tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := queue.StatusArchived
			q, err := a.client.UpdateQueue(cmd.Context(), args[0], queue.Fields{Status: &st})
			if err != nil {
				return err
			}
			return a.printQueue(q)
		},
	}

	var after int64
	var feedLimit int
	feed := &cobra.Command{
		Use:   "feed <id>",
		Short: "Show a queue's activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.client.GetQueueFeed(cmd.Context(), args[0], after, feedLimit)
			if err != nil {
				return err
			}
			if a.short {
				a.shortEvents(f.Events)
				return nil
			}
			return a.print(f)
		},
	}
	feed.Flags().Int64Var(&after, "after", 0, "only records after this seq")
	feed.Flags().IntVar(&feedLimit, "limit", 50, "maximum records")

	cmd.AddCommand(create, list, get, update, archive, feed)
	return cmd
}

func (a *app) printQueue(q *queue.Queue) error {
	if a.short {
		a.shortQueue(q)
		return nil
	}
	return a.print(q)
}

func (a *app) shortQueue(q *queue.Queue) {
	fmt.Fprintf(a.out, "%-8s  %-9s  %4d  %s\n", truncStr(q.ID, 8), q.Status, q.TotalTasks, truncStr(q.Name, 60))
}
