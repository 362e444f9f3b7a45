package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	svc   *Service
	hub   *stream.Hub
	tasks task.Store
}

func newFixture(t *testing.T, tasks task.Store) *fixture {
	t.Helper()
	if tasks == nil {
		tasks = task.NewMemStore()
	}
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(quietLogger()))
	svc := New(queue.NewMemStore(), tasks, hub, WithLogger(quietLogger()))
	return &fixture{svc: svc, hub: hub, tasks: tasks}
}

func (f *fixture) queue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := f.svc.CreateQueue(context.Background(), "backend", "")
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func (f *fixture) task(t *testing.T, queueID string) *task.Task {
	t.Helper()
	tk, err := f.svc.CreateTask(context.Background(), queueID, task.Draft{Title: "write tests"})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func (f *fixture) feed(t *testing.T, queueID string) []event.Record {
	t.Helper()
	feed, err := f.svc.GetQueueFeed(context.Background(), queueID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return feed.Events
}

func types(recs []event.Record) []event.Type {
	var out []event.Type
	for _, r := range recs {
		out = append(out, r.Type)
	}
	return out
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)

	if tk.Status != task.StatusPending {
		t.Fatalf("new task status = %s, want pending", tk.Status)
	}
	if tk.Priority != task.PriorityNormal {
		t.Fatalf("default priority = %s, want normal", tk.Priority)
	}
	recs := f.feed(t, q.ID)
	if len(recs) != 1 || recs[0].Type != event.TaskCreated || recs[0].TaskID != tk.ID {
		t.Fatalf("feed = %+v", recs)
	}

	got, _ := f.svc.GetQueue(context.Background(), q.ID)
	if got.TotalTasks != 1 || got.TaskCounts[task.StatusPending] != 1 {
		t.Fatalf("queue counts = %d %v", got.TotalTasks, got.TaskCounts)
	}
}

func TestCreateTaskErrors(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	ctx := context.Background()

	_, err := f.svc.CreateTask(ctx, "missing", task.Draft{Title: "x"})
	var nf *NotFoundError
	if !errors.Is(err, ErrNotFound) || !errors.As(err, &nf) || nf.Kind != "queue" {
		t.Fatalf("missing queue = %v, want queue NotFoundError", err)
	}

	var ve *task.ValidationError
	if _, err := f.svc.CreateTask(ctx, q.ID, task.Draft{Title: "   "}); !errors.As(err, &ve) {
		t.Fatalf("blank title = %v, want ValidationError", err)
	}

	archived := queue.StatusArchived
	if _, err := f.svc.UpdateQueue(ctx, q.ID, queue.Fields{Status: &archived}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateTask(ctx, q.ID, task.Draft{Title: "late"}); !errors.As(err, &ve) {
		t.Fatalf("archived queue = %v, want ValidationError", err)
	}
}

func TestDuplicateQueueName(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	if _, err := f.svc.CreateQueue(context.Background(), "backend", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate = %v, want ErrConflict", err)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)
	ctx := context.Background()

	got, err := f.svc.UpdateTaskStatus(ctx, tk.ID, task.StatusInProgress, "dev", "picking up")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	recs := f.feed(t, q.ID)
	last := recs[len(recs)-1]
	if last.Type != event.StatusChanged || last.Persona != "dev" {
		t.Fatalf("last record = %+v", last)
	}
	want := map[string]any{"old_status": "pending", "new_status": "in_progress", "notes": "picking up"}
	if diff := cmp.Diff(want, last.Data); diff != "" {
		t.Fatalf("status_changed data (-want +got):\n%s", diff)
	}
}

func TestUpdateTaskStatusRejects(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)
	ctx := context.Background()

	cases := map[string]struct {
		id      string
		to      task.Status
		unknown bool
		missing bool
	}{
		"skip review":    {id: tk.ID, to: task.StatusDone},
		"same status":    {id: tk.ID, to: task.StatusPending},
		"unknown status": {id: tk.ID, to: "shipped", unknown: true},
		"missing task":   {id: "nope", to: task.StatusInProgress, missing: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.UpdateTaskStatus(ctx, tc.id, tc.to, "", "")
			if tc.missing {
				var ite *task.InvalidTransitionError
				if !errors.Is(err, ErrNotFound) || errors.As(err, &ite) {
					t.Fatalf("err = %v, want NotFound only", err)
				}
				return
			}
			var ite *task.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("err = %v, want InvalidTransitionError", err)
			}
			if ite.UnknownTarget() != tc.unknown {
				t.Errorf("UnknownTarget() = %v, want %v", ite.UnknownTarget(), tc.unknown)
			}
			if diff := cmp.Diff([]task.Status{task.StatusInProgress}, ite.Allowed); diff != "" {
				t.Errorf("allowed (-want +got):\n%s", diff)
			}
		})
	}

	got, _ := f.svc.GetTask(ctx, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("rejected transitions modified task: %s", got.Status)
	}
	if diff := cmp.Diff([]event.Type{event.TaskCreated}, types(f.feed(t, q.ID))); diff != "" {
		t.Fatalf("rejected transitions emitted records (-want +got):\n%s", diff)
	}
}

func TestConcurrentIdenticalTransitions(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, invalid := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateTaskStatus(context.Background(), tk.ID, task.StatusInProgress, "", "")
			var ite *task.InvalidTransitionError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.As(err, &ite):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || invalid != n-1 {
		t.Fatalf("ok=%d invalid=%d, want exactly one success", ok, invalid)
	}
}

// racingStore moves the task underneath the service before the first
// compare-and-set, as another replica would.
type racingStore struct {
	*task.MemStore
	race  func() // runs once, on the next SetStatus
	fails bool
}

func (r *racingStore) SetStatus(ctx context.Context, id string, from, to task.Status, now time.Time) (*task.Task, error) {
	if r.fails {
		return nil, task.ErrStatusChanged
	}
	if race := r.race; race != nil {
		r.race = nil
		race()
	}
	return r.MemStore.SetStatus(ctx, id, from, to, now)
}

func TestUpdateTaskStatusRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{MemStore: task.NewMemStore()}
	f := newFixture(t, rs)
	q := f.queue(t)
	tk := f.task(t, q.ID)
	for _, s := range []task.Status{task.StatusInProgress, task.StatusReview} {
		if _, err := f.svc.UpdateTaskStatus(ctx, tk.ID, s, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	rs.race = func() {
		rs.MemStore.SetStatus(ctx, tk.ID, task.StatusReview, task.StatusInProgress, time.Now())
		rs.MemStore.SetStatus(ctx, tk.ID, task.StatusInProgress, task.StatusBlocked, time.Now())
	}

	got, err := f.svc.UpdateTaskStatus(ctx, tk.ID, task.StatusInProgress, "", "")
	if err != nil {
		t.Fatalf("retry after lost race: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	last := f.feed(t, q.ID)
	if d := last[len(last)-1].Data; d["old_status"] != "blocked" {
		t.Fatalf("record should report the status actually left: %v", d)
	}
}

func TestUpdateTaskStatusExhaustsRetries(t *testing.T) {
	rs := &racingStore{MemStore: task.NewMemStore(), fails: true}
	f := newFixture(t, rs)
	tk := f.task(t, f.queue(t).ID)
	_, err := f.svc.UpdateTaskStatus(context.Background(), tk.ID, task.StatusInProgress, "", "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestUpdateTaskKeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)
	title := "write more tests"
	high := task.PriorityHigh

	got, err := f.svc.UpdateTask(context.Background(), tk.ID, task.Fields{Title: &title, Priority: &high})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != title || got.Priority != high || got.Status != task.StatusPending {
		t.Fatalf("updated = %+v", got)
	}
	recs := f.feed(t, q.ID)
	last := recs[len(recs)-1]
	changes, _ := last.Data["changes"].(map[string]any)
	if last.Type != event.TaskUpdated || len(changes) != 2 {
		t.Fatalf("last record = %+v", last)
	}

	empty := ""
	var ve *task.ValidationError
	if _, err := f.svc.UpdateTask(context.Background(), tk.ID, task.Fields{Title: &empty}); !errors.As(err, &ve) {
		t.Fatalf("blank title = %v, want ValidationError", err)
	}
}

func TestMessagesComplexityArtifactsAndFeeds(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)
	ctx := context.Background()

	var ve *task.ValidationError
	if _, err := f.svc.AddTaskMessage(ctx, tk.ID, " ", "dev"); !errors.As(err, &ve) {
		t.Fatalf("empty message = %v, want ValidationError", err)
	}
	msg, err := f.svc.AddTaskMessage(ctx, tk.ID, "looks good", "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != event.MessageAdded || msg.Data["message"] != "looks good" {
		t.Fatalf("message record = %+v", msg)
	}

	if _, err := f.svc.AssignComplexity(ctx, tk.ID, 7, "", ""); !errors.As(err, &ve) {
		t.Fatalf("complexity 7 = %v, want ValidationError", err)
	}
	got, err := f.svc.AssignComplexity(ctx, tk.ID, 3, "two services", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Complexity == nil || *got.Complexity != 3 {
		t.Fatalf("complexity = %v", got.Complexity)
	}

	if _, err := f.svc.AddTaskArtifact(ctx, tk.ID, task.Artifact{Type: "git_branch", GitBranch: "feat/x"}); err != nil {
		t.Fatal(err)
	}
	arts, _ := f.svc.ListTaskArtifacts(ctx, tk.ID)
	if len(arts) != 1 || arts[0].GitBranch != "feat/x" {
		t.Fatalf("artifacts = %+v", arts)
	}

	feed, err := f.svc.GetTaskFeed(ctx, tk.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []event.Type{event.TaskCreated, event.MessageAdded, event.ComplexityAssigned, event.ArtifactAdded}
	if diff := cmp.Diff(want, types(feed.Events)); diff != "" {
		t.Fatalf("task feed (-want +got):\n%s", diff)
	}

	page, _ := f.svc.GetTaskFeed(ctx, tk.ID, feed.Events[1].Seq, 1)
	if len(page.Events) != 1 || page.Events[0].Type != event.ComplexityAssigned || page.Next != page.Events[0].Seq {
		t.Fatalf("paged feed = %+v", page)
	}
	tail, _ := f.svc.GetTaskFeed(ctx, tk.ID, feed.Next, 0)
	if len(tail.Events) != 0 || tail.Next != feed.Next {
		t.Fatalf("feed past the end = %+v", tail)
	}

	if _, err := f.svc.GetTaskFeed(ctx, "nope", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task feed = %v", err)
	}
}

func TestStatusChangeReachesSubscriber(t *testing.T) {
	f := newFixture(t, nil)
	q := f.queue(t)
	tk := f.task(t, q.ID)

	sub, err := f.hub.Open(context.Background(), q.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	<-sub.Events() // task_created backlog

	if _, err := f.svc.UpdateTaskStatus(context.Background(), tk.ID, task.StatusInProgress, "", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case rec := <-sub.Events():
		if rec.Type != event.StatusChanged || rec.Data["new_status"] != "in_progress" {
			t.Fatalf("received %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no status_changed delivered")
	}
}
