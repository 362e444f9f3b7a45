package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"queueboard/pkg/board"
	"queueboard/pkg/event"
	"queueboard/pkg/task"
	"queueboard/pkg/watch"
)

const columnWidth = 28

var (
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1).
			Width(columnWidth)
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

	statusColors = map[task.Status]lipgloss.Color{
		task.StatusPending:    lipgloss.Color("7"),
		task.StatusInProgress: lipgloss.Color("12"),
		task.StatusBlocked:    lipgloss.Color("9"),
		task.StatusReview:     lipgloss.Color("11"),
		task.StatusDone:       lipgloss.Color("10"),
	}
	priorityMarks = map[task.Priority]string{
		task.PriorityLow:    " ",
		task.PriorityNormal: "·",
		task.PriorityHigh:   "!",
		task.PriorityUrgent: "‼",
	}
)

// renderBoard lays the columns out side by side.
func renderBoard(b board.Board) string {
	cols := make([]string, 0, len(b.Columns))
	for _, col := range b.Columns {
		header := headerStyle.Foreground(statusColors[col.Status]).
			Render(fmt.Sprintf("%s (%d)", strings.ToUpper(string(col.Status)), len(col.Tasks)))
		lines := []string{header, ""}
		if len(col.Tasks) == 0 {
			lines = append(lines, mutedStyle.Render("empty"))
		}
		for _, t := range col.Tasks {
			lines = append(lines, fmt.Sprintf("%s %s", priorityMarks[t.Priority], truncStr(t.Title, columnWidth-4)))
			if t.Assignee != "" {
				lines = append(lines, mutedStyle.Render("  @"+t.Assignee))
			}
		}
		cols = append(cols, columnStyle.Render(strings.Join(lines, "\n")))
	}
	out := lipgloss.JoinHorizontal(lipgloss.Top, cols...)
	if b.Dropped > 0 {
		out += "\n" + mutedStyle.Render(fmt.Sprintf("%d task(s) with unknown status hidden", b.Dropped))
	}
	return out
}

// renderNotifications lists recent records, newest first.
func renderNotifications(recs []event.Record) string {
	if len(recs) == 0 {
		return mutedStyle.Render("no activity yet")
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s  %s", mutedStyle.Render(r.CreatedAt.Local().Format("15:04:05")), r.Summary))
	}
	return strings.Join(lines, "\n")
}

func renderState(st watch.State) string {
	var sb strings.Builder
	name := "loading..."
	if st.Queue != nil {
		name = st.Queue.Name
	}
	live := mutedStyle.Render("offline")
	if st.Streaming {
		live = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("live")
	}
	fmt.Fprintf(&sb, "%s  %s\n\n", titleStyle.Render(name), live)
	sb.WriteString(renderBoard(st.Board))
	sb.WriteString("\n\n")
	sb.WriteString(headerStyle.Render("Recent activity"))
	sb.WriteString("\n")
	sb.WriteString(renderNotifications(st.Notifications))
	sb.WriteString("\n")
	if st.Err != nil {
		sb.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(st.Err.Error()))
		sb.WriteString("\n")
	}
	return sb.String()
}

func newBoardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "board <queue-id>",
		Short: "Render a queue as status columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.client.Board(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.print(b)
			}
			fmt.Fprintln(a.out, renderBoard(b))
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <queue-id>",
		Short: "Follow a queue live until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			failed := make(chan error, 1)
			sess := watch.New(args[0], a.client, a.client,
				watch.OnChange(func(st watch.State) { redraw(a.out, st) }),
				watch.OnError(func(err error) {
					var terr *watch.TransportError
					if errors.As(err, &terr) {
						select {
						case failed <- err:
						default:
						}
					}
				}),
			)
			defer sess.Close()

			if err := sess.Load(ctx); err != nil {
				return err
			}
			if err := sess.Open(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case err := <-failed:
				return err
			}
		},
	}
}

func redraw(w io.Writer, st watch.State) {
	fmt.Fprint(w, "\033[H\033[2J")
	fmt.Fprint(w, renderState(st))
}
