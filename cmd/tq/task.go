package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"queueboard/pkg/event"
	"queueboard/pkg/task"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Task operations"}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskListCmd(a),
		newTaskGetCmd(a),
		newTaskUpdateCmd(a),
		newTaskStatusCmd(a),
		newTaskComplexityCmd(a),
		newTaskMessageCmd(a),
		newTaskArtifactCmd(a),
		newTaskArtifactsCmd(a),
		newTaskFeedCmd(a),
	)
	return cmd
}

// taskFlags are the editable fields shared by create and update.
type taskFlags struct {
	title, description, criteria string
	priority, deadline, assignee  string
}

func (tf *taskFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&tf.title, "title", "", "task title")
	fs.StringVar(&tf.description, "description", "", "description")
	fs.StringVar(&tf.criteria, "criteria", "", "acceptance criteria")
	fs.StringVar(&tf.priority, "priority", "", "low, normal, high or urgent")
	fs.StringVar(&tf.deadline, "deadline", "", "deadline (RFC 3339 or YYYY-MM-DD)")
	fs.StringVar(&tf.assignee, "assignee", "", "assignee")
}

func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var tf taskFlags
	var createdBy string
	cmd := &cobra.Command{
		Use:   "create <queue-id>",
		Short: "Create a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := task.Draft{
				Title:              tf.title,
				Description:        tf.description,
				AcceptanceCriteria: tf.criteria,
				Assignee:           tf.assignee,
				CreatedBy:          createdBy,
			}
			if tf.priority != "" {
				p, err := task.ParsePriority(tf.priority)
				if err != nil {
					return err
				}
				d.Priority = &p
			}
			if tf.deadline != "" {
				dl, err := parseDeadline(tf.deadline)
				if err != nil {
					return err
				}
				d.Deadline = &dl
			}
			t, err := a.client.CreateTask(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().StringVar(&createdBy, "created-by", "", "author")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd(a *app) *cobra.Command {
	var status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <queue-id>",
		Short: "List a queue's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.client.ListTasks(cmd.Context(), args[0], task.Filter{
				Status:   task.Status(status),
				Assignee: assignee,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if a.short {
				a.shortTasks(tasks)
				return nil
			}
			return a.print(tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().IntVar(&limit, "limit", task.DefaultListLimit, "maximum tasks")
	return cmd
}

func newTaskGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
}

func newTaskUpdateCmd(a *app) *cobra.Command {
	var tf taskFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit task fields (use 'task status' to move a task)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := tf.fields(cmd.Flags())
			if err != nil {
				return err
			}
			if f.Empty() {
				return fmt.Errorf("no updates specified")
			}
			t, err := a.client.UpdateTask(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	tf.register(cmd.Flags())
	return cmd
}

// fields builds an update from the flags the user actually set.
func (tf *taskFlags) fields(fs *pflag.FlagSet) (task.Fields, error) {
	var f task.Fields
	if fs.Changed("title") {
		f.Title = &tf.title
	}
	if fs.Changed("description") {
		f.Description = &tf.description
	}
	if fs.Changed("criteria") {
		f.AcceptanceCriteria = &tf.criteria
	}
	if fs.Changed("assignee") {
		f.Assignee = &tf.assignee
	}
	if fs.Changed("priority") {
		p, err := task.ParsePriority(tf.priority)
		if err != nil {
			return f, err
		}
		f.Priority = &p
	}
	if fs.Changed("deadline") {
		dl, err := parseDeadline(tf.deadline)
		if err != nil {
			return f, err
		}
		f.Deadline = &dl
	}
	return f, nil
}

func newTaskStatusCmd(a *app) *cobra.Command {
	var persona, notes string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task along the workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.UpdateTaskStatus(cmd.Context(), args[0], task.Status(args[1]), persona, notes)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "who is making the change")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the feed")
	return cmd
}

func newTaskComplexityCmd(a *app) *cobra.Command {
	var persona, notes string
	cmd := &cobra.Command{
		Use:   "complexity <id> <1-5>",
		Short: "Record a complexity estimate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("complexity %q: not a number", args[1])
			}
			t, err := a.client.AssignComplexity(cmd.Context(), args[0], n, notes, persona)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "who assessed it")
	cmd.Flags().StringVar(&notes, "notes", "", "reasoning")
	return cmd
}

func newTaskMessageCmd(a *app) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Post a message to a task's feed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.client.AddTaskMessage(cmd.Context(), args[0], args[1], role)
			if err != nil {
				return err
			}
			if a.short {
				a.shortEvents([]event.Record{*rec})
				return nil
			}
			return a.print(rec)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "author role")
	return cmd
}

func newTaskArtifactCmd(a *app) *cobra.Command {
	var art task.Artifact
	cmd := &cobra.Command{
		Use:   "artifact <id>",
		Short: "Link an artifact or git branch to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := a.client.AddTaskArtifact(cmd.Context(), args[0], art)
			if err != nil {
				return err
			}
			return a.print(saved)
		},
	}
	f := cmd.Flags()
	f.StringVar(&art.Type, "type", "artifact", "artifact, git_branch, file, ...")
	f.StringVar(&art.ArtifactRef, "ref", "", "artifact reference")
	f.StringVar(&art.GitBranch, "branch", "", "git branch")
	f.StringVar(&art.Description, "description", "", "description")
	f.StringVar(&art.CreatedBy, "created-by", "", "author")
	return cmd
}

func newTaskArtifactsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <id>",
		Short: "List a task's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arts, err := a.client.ListTaskArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(arts)
		},
	}
}

func newTaskFeedCmd(a *app) *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "feed <id>",
		Short: "Show a task's activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.client.GetTaskFeed(cmd.Context(), args[0], after, limit)
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
	cmd.Flags().Int64Var(&after, "after", 0, "only records after this seq")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

func (a *app) printTask(t *task.Task) error {
	if a.short {
		a.shortTasks([]task.Task{*t})
		return nil
	}
	return a.print(t)
}

func (a *app) shortTasks(tasks []task.Task) {
	for _, t := range tasks {
		fmt.Fprintf(a.out, "%-8s  %-12s  %-7s  %s\n", truncStr(t.ID, 8), t.Status, t.Priority, truncStr(t.Title, 60))
	}
}

func (a *app) shortEvents(recs []event.Record) {
	for _, r := range recs {
		fmt.Fprintf(a.out, "%6d  %-8s  %-20s  %s\n", r.Seq, r.CreatedAt.Local().Format("15:04:05"), r.Type, truncStr(r.Summary, 80))
	}
}

func truncStr(s string, n int) string {
	if len([]rune(s)) > n {
		return string([]rune(s)[:n])
	}
	return s
}
