// Command ui is a Gio board viewer for one queueboard server. It builds for
// desktop and for js/wasm, where the server hosts it via server.web_dir.
package main

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"sync"
	"time"

	"gioui.org/app"
	"gioui.org/font"
	"gioui.org/font/gofont"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
	log "github.com/sirupsen/logrus"

	"queueboard/pkg/client"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/task"
	"queueboard/pkg/watch"
)

var theme *material.Theme

// Pages
const (
	pageQueues = iota
	pageBoard
	pageActivity
)

var statusColors = map[task.Status]color.NRGBA{
	task.StatusPending:    {R: 0xFF, G: 0xA0, B: 0x00, A: 0xFF},
	task.StatusInProgress: {R: 0x00, G: 0xA0, B: 0xFF, A: 0xFF},
	task.StatusBlocked:    {R: 0xFF, G: 0x40, B: 0x40, A: 0xFF},
	task.StatusReview:     {R: 0xC0, G: 0x80, B: 0xFF, A: 0xFF},
	task.StatusDone:       {R: 0x00, G: 0xC0, B: 0x00, A: 0xFF},
}

var muted = color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xFF}

type UI struct {
	client *client.Client
	win    *app.Window

	currentPage int

	// Nav buttons
	navQueues   widget.Clickable
	navBoard    widget.Clickable
	navActivity widget.Clickable

	// Queues
	queueList      widget.List
	queueBtns      []widget.Clickable
	queueEditor    widget.Editor
	createQueueBtn widget.Clickable
	refreshBtn     widget.Clickable

	// Board
	columnLists   [5]widget.List
	taskEditor    widget.Editor
	createTaskBtn widget.Clickable
	actionBtns    map[string]*widget.Clickable

	// Activity
	activityList widget.List

	// Written by background goroutines.
	mu          sync.Mutex
	queues      []queue.Queue
	transitions map[task.Status][]task.Status
	session     *watch.Session
	state       watch.State
	message     string
}

func main() {
	base := "/"
	if v := os.Getenv("API_BASE"); v != "" {
		base = v
	}

	theme = material.NewTheme()
	theme.Shaper = text.NewShaper(text.WithCollection(gofont.Collection()))
	theme.Palette.Bg = color.NRGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xFF}
	theme.Palette.Fg = color.NRGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
	theme.Palette.ContrastBg = color.NRGBA{R: 0x30, G: 0x60, B: 0xA0, A: 0xFF}
	theme.Palette.ContrastFg = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

	ui := &UI{
		client:     client.New(base),
		win:        new(app.Window),
		actionBtns: make(map[string]*widget.Clickable),
	}
	ui.queueList.Axis = layout.Vertical
	ui.activityList.Axis = layout.Vertical
	for i := range ui.columnLists {
		ui.columnLists[i].Axis = layout.Vertical
	}
	ui.queueEditor.SingleLine = true
	ui.taskEditor.SingleLine = true

	go ui.fetchQueues()
	go ui.fetchTransitions()

	go func() {
		ui.win.Option(app.Title("queueboard"))
		ui.win.Option(app.Size(unit.Dp(1200), unit.Dp(800)))
		if err := ui.run(ui.win); err != nil {
			log.Fatal(err)
		}
		ui.closeSession()
		os.Exit(0)
	}()
	app.Main()
}

func (ui *UI) run(w *app.Window) error {
	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			ui.handleClicks(gtx)
			ui.layout(gtx)
			e.Frame(gtx.Ops)
		}
	}
}

func (ui *UI) handleClicks(gtx layout.Context) {
	if ui.navQueues.Clicked(gtx) {
		ui.currentPage = pageQueues
	}
	if ui.navBoard.Clicked(gtx) {
		ui.currentPage = pageBoard
	}
	if ui.navActivity.Clicked(gtx) {
		ui.currentPage = pageActivity
	}
	if ui.refreshBtn.Clicked(gtx) {
		go ui.fetchQueues()
	}
	if ui.createQueueBtn.Clicked(gtx) {
		if name := ui.queueEditor.Text(); name != "" {
			go ui.createQueue(name)
			ui.queueEditor.SetText("")
		}
	}

	ui.mu.Lock()
	queues := ui.queues
	tasks := ui.state.Tasks
	var queueID string
	if ui.state.Queue != nil {
		queueID = ui.state.Queue.ID
	}
	ui.mu.Unlock()

	for i := range ui.queueBtns {
		if i < len(queues) && ui.queueBtns[i].Clicked(gtx) {
			go ui.selectQueue(queues[i].ID)
			ui.currentPage = pageBoard
		}
	}
	if ui.createTaskBtn.Clicked(gtx) {
		if title := ui.taskEditor.Text(); title != "" && queueID != "" {
			go ui.createTask(queueID, title)
			ui.taskEditor.SetText("")
		}
	}
	for _, t := range tasks {
		for _, to := range ui.allowed(t.Status) {
			if ui.actionButton(t.ID, to).Clicked(gtx) {
				go ui.moveTask(t.ID, to)
			}
		}
	}
}

func (ui *UI) actionButton(taskID string, to task.Status) *widget.Clickable {
	key := taskID + "/" + string(to)
	btn, ok := ui.actionBtns[key]
	if !ok {
		btn = new(widget.Clickable)
		ui.actionBtns[key] = btn
	}
	return btn
}

func (ui *UI) allowed(from task.Status) []task.Status {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	return ui.transitions[from]
}

func (ui *UI) layout(gtx layout.Context) layout.Dimensions {
	return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return ui.layoutNav(gtx)
		}),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(16)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				switch ui.currentPage {
				case pageBoard:
					return ui.layoutBoard(gtx)
				case pageActivity:
					return ui.layoutActivity(gtx)
				default:
					return ui.layoutQueues(gtx)
				}
			})
		}),
	)
}

func (ui *UI) layoutNav(gtx layout.Context) layout.Dimensions {
	gtx.Constraints.Min.X = gtx.Dp(unit.Dp(180))
	gtx.Constraints.Max.X = gtx.Dp(unit.Dp(180))
	ui.mu.Lock()
	msg := ui.message
	live := ui.state.Streaming
	ui.mu.Unlock()
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Top: unit.Dp(16), Bottom: unit.Dp(16), Left: unit.Dp(12)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				label := material.H6(theme, "queueboard")
				label.Color = theme.Palette.ContrastFg
				return label.Layout(gtx)
			})
		}),
		layout.Rigid(navBtn(theme, &ui.navQueues, "Queues", ui.currentPage == pageQueues)),
		layout.Rigid(navBtn(theme, &ui.navBoard, "Board", ui.currentPage == pageBoard)),
		layout.Rigid(navBtn(theme, &ui.navActivity, "Activity", ui.currentPage == pageActivity)),
		layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			s, c := "offline", muted
			if live {
				s, c = "live", statusColors[task.StatusDone]
			}
			return layout.Inset{Left: unit.Dp(12)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				label := material.Caption(theme, s)
				label.Color = c
				return label.Layout(gtx)
			})
		}),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Left: unit.Dp(12), Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				label := material.Caption(theme, msg)
				label.Color = statusColors[task.StatusBlocked]
				return label.Layout(gtx)
			})
		}),
	)
}

func navBtn(th *material.Theme, btn *widget.Clickable, label string, active bool) layout.Widget {
	return func(gtx layout.Context) layout.Dimensions {
		return layout.Inset{Top: unit.Dp(2), Bottom: unit.Dp(2), Left: unit.Dp(8), Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
			b := material.Button(th, btn, label)
			if active {
				b.Background = th.Palette.ContrastBg
			} else {
				b.Background = color.NRGBA{A: 0}
			}
			b.Color = th.Palette.Fg
			return b.Layout(gtx)
		})
	}
}

func (ui *UI) layoutQueues(gtx layout.Context) layout.Dimensions {
	ui.mu.Lock()
	queues := ui.queues
	ui.mu.Unlock()
	for len(ui.queueBtns) < len(queues) {
		ui.queueBtns = append(ui.queueBtns, widget.Clickable{})
	}

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.H5(theme, "Queues").Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{}.Layout(gtx,
				layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
					return material.Editor(theme, &ui.queueEditor, "New queue name...").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return material.Button(theme, &ui.createQueueBtn, "Create").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return material.Button(theme, &ui.refreshBtn, "Refresh").Layout(gtx)
				}),
			)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return material.List(theme, &ui.queueList).Layout(gtx, len(queues), func(gtx layout.Context, i int) layout.Dimensions {
				q := queues[i]
				return layout.Inset{Bottom: unit.Dp(4)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
					return material.Clickable(gtx, &ui.queueBtns[i], func(gtx layout.Context) layout.Dimensions {
						return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
							layout.Rigid(func(gtx layout.Context) layout.Dimensions {
								label := material.Body1(theme, q.Name)
								label.Font.Weight = font.Bold
								return label.Layout(gtx)
							}),
							layout.Rigid(func(gtx layout.Context) layout.Dimensions {
								label := material.Caption(theme, fmt.Sprintf("[%s] %d tasks, %d done", q.Status, q.TotalTasks, q.TaskCounts[task.StatusDone]))
								label.Color = muted
								return label.Layout(gtx)
							}),
						)
					})
				})
			})
		}),
	)
}

func (ui *UI) layoutBoard(gtx layout.Context) layout.Dimensions {
	ui.mu.Lock()
	st := ui.state
	ui.mu.Unlock()
	if st.Queue == nil {
		return material.Body1(theme, "Pick a queue first.").Layout(gtx)
	}

	cols := make([]layout.FlexChild, 0, len(st.Board.Columns))
	for i, col := range st.Board.Columns {
		cols = append(cols, layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.Inset{Right: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				return ui.layoutColumn(gtx, &ui.columnLists[i], col.Status, col.Tasks)
			})
		}))
	}

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.H5(theme, st.Queue.Name).Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{}.Layout(gtx,
				layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
					return material.Editor(theme, &ui.taskEditor, "New task title...").Layout(gtx)
				}),
				layout.Rigid(layout.Spacer{Width: unit.Dp(8)}.Layout),
				layout.Rigid(func(gtx layout.Context) layout.Dimensions {
					return material.Button(theme, &ui.createTaskBtn, "Add").Layout(gtx)
				}),
			)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.Flex{Axis: layout.Horizontal}.Layout(gtx, cols...)
		}),
	)
}

func (ui *UI) layoutColumn(gtx layout.Context, list *widget.List, status task.Status, tasks []task.Task) layout.Dimensions {
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			label := material.Body1(theme, fmt.Sprintf("%s (%d)", status, len(tasks)))
			label.Font.Weight = font.Bold
			label.Color = statusColors[status]
			return label.Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(4)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return material.List(theme, list).Layout(gtx, len(tasks), func(gtx layout.Context, i int) layout.Dimensions {
				return ui.layoutCard(gtx, tasks[i])
			})
		}),
	)
}

func (ui *UI) layoutCard(gtx layout.Context, t task.Task) layout.Dimensions {
	actions := ui.allowed(t.Status)
	buttons := make([]layout.FlexChild, 0, 2*len(actions))
	for _, to := range actions {
		btn := material.Button(theme, ui.actionButton(t.ID, to), string(to))
		btn.TextSize = unit.Sp(11)
		btn.Inset = layout.UniformInset(unit.Dp(4))
		btn.Background = statusColors[to]
		buttons = append(buttons,
			layout.Rigid(btn.Layout),
			layout.Rigid(layout.Spacer{Width: unit.Dp(4)}.Layout),
		)
	}
	return layout.Inset{Bottom: unit.Dp(8)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				label := material.Body2(theme, t.Title)
				label.Font.Weight = font.Bold
				return label.Layout(gtx)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				meta := t.Priority.String()
				if t.Assignee != "" {
					meta += " · @" + t.Assignee
				}
				if t.Deadline != nil {
					meta += " · due " + t.Deadline.Format("Jan 2")
				}
				label := material.Caption(theme, meta)
				label.Color = muted
				return label.Layout(gtx)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return layout.Flex{}.Layout(gtx, buttons...)
			}),
		)
	})
}

func (ui *UI) layoutActivity(gtx layout.Context) layout.Dimensions {
	ui.mu.Lock()
	notes := ui.state.Notifications
	ui.mu.Unlock()
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			return material.H5(theme, "Recent activity").Layout(gtx)
		}),
		layout.Rigid(layout.Spacer{Height: unit.Dp(8)}.Layout),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return material.List(theme, &ui.activityList).Layout(gtx, len(notes), func(gtx layout.Context, i int) layout.Dimensions {
				return layoutRecord(gtx, notes[i])
			})
		}),
	)
}

func layoutRecord(gtx layout.Context, r event.Record) layout.Dimensions {
	return layout.Inset{Bottom: unit.Dp(4)}.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				label := material.Body2(theme, fmt.Sprintf("[%s] %s", r.CreatedAt.Local().Format("15:04:05"), r.Summary))
				label.Font.Weight = font.Bold
				return label.Layout(gtx)
			}),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				label := material.Caption(theme, fmt.Sprintf("#%d %s", r.Seq, r.Type))
				label.Color = muted
				return label.Layout(gtx)
			}),
		)
	})
}

// Data fetching

func (ui *UI) setMessage(format string, args ...any) {
	ui.mu.Lock()
	ui.message = fmt.Sprintf(format, args...)
	ui.mu.Unlock()
	ui.win.Invalidate()
}

func (ui *UI) fetchQueues() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	qs, err := ui.client.ListQueues(ctx, "", 100)
	if err != nil {
		ui.setMessage("fetch queues: %v", err)
		return
	}
	ui.mu.Lock()
	ui.queues = qs
	ui.mu.Unlock()
	ui.win.Invalidate()
}

func (ui *UI) fetchTransitions() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	table, err := ui.client.Transitions(ctx)
	if err != nil {
		ui.setMessage("fetch transitions: %v", err)
		return
	}
	ui.mu.Lock()
	ui.transitions = table
	ui.mu.Unlock()
}

// selectQueue swaps the watch session over to queueID.
func (ui *UI) selectQueue(queueID string) {
	ui.closeSession()

	sess := watch.New(queueID, ui.client, ui.client,
		watch.OnChange(func(st watch.State) {
			ui.mu.Lock()
			ui.state = st
			ui.mu.Unlock()
			ui.win.Invalidate()
		}),
		watch.OnError(func(err error) {
			ui.setMessage("%v", err)
		}),
	)
	ui.mu.Lock()
	ui.session = sess
	ui.message = ""
	ui.mu.Unlock()

	ctx := context.Background()
	if err := sess.Load(ctx); err != nil {
		ui.setMessage("load queue: %v", err)
		return
	}
	if err := sess.Open(ctx); err != nil {
		ui.setMessage("open stream: %v", err)
	}
}

func (ui *UI) closeSession() {
	ui.mu.Lock()
	sess := ui.session
	ui.session = nil
	ui.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (ui *UI) createQueue(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ui.client.CreateQueue(ctx, name, ""); err != nil {
		ui.setMessage("create queue: %v", err)
		return
	}
	ui.fetchQueues()
}

func (ui *UI) createTask(queueID, title string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ui.client.CreateTask(ctx, queueID, task.Draft{Title: title, CreatedBy: "ui"}); err != nil {
		ui.setMessage("create task: %v", err)
	}
	// The board refreshes from the stream.
}

func (ui *UI) moveTask(id string, to task.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ui.client.UpdateTaskStatus(ctx, id, to, "ui", ""); err != nil {
		ui.setMessage("move task: %v", err)
	}
}
