package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"queueboard/internal/service"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	l := log.New()
	l.SetOutput(io.Discard)
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(l))
	svc := service.New(queue.NewMemStore(), task.NewMemStore(), hub, service.WithLogger(l))
	srv := httptest.NewServer(New(svc, hub, WithLogger(l), WithKeepAlive(50*time.Millisecond)))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, svc
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	var got map[string]string
	if code := do(t, "GET", srv.URL+"/health", nil, &got); code != 200 || got["status"] != "ok" {
		t.Fatalf("health = %d %v", code, got)
	}
}

func TestQueueAndTaskLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	var q queue.Queue
	if code := do(t, "POST", srv.URL+"/api/queues", map[string]string{"name": "backend"}, &q); code != 201 {
		t.Fatalf("create queue = %d", code)
	}
	var errBody map[string]string
	if code := do(t, "POST", srv.URL+"/api/queues", map[string]string{"name": "backend"}, &errBody); code != 409 {
		t.Fatalf("duplicate queue = %d %v", code, errBody)
	}

	var tk task.Task
	if code := do(t, "POST", srv.URL+"/api/queues/"+q.ID+"/tasks", map[string]any{"title": "ship it"}, &tk); code != 201 {
		t.Fatalf("create task = %d", code)
	}
	if tk.Status != task.StatusPending || tk.Priority != task.PriorityNormal {
		t.Fatalf("new task = %+v", tk)
	}

	var moved task.Task
	code := do(t, "POST", srv.URL+"/api/tasks/"+tk.ID+"/status", map[string]string{"status": "in_progress", "persona": "dev"}, &moved)
	if code != 200 || moved.Status != task.StatusInProgress {
		t.Fatalf("status change = %d %+v", code, moved)
	}

	var tasks []task.Task
	if code := do(t, "GET", srv.URL+"/api/queues/"+q.ID+"/tasks?status=in_progress", nil, &tasks); code != 200 || len(tasks) != 1 {
		t.Fatalf("list = %d %+v", code, tasks)
	}

	var got queue.Queue
	do(t, "GET", srv.URL+"/api/queues/"+q.ID, nil, &got)
	if got.TotalTasks != 1 || got.TaskCounts[task.StatusInProgress] != 1 {
		t.Fatalf("queue counts = %+v", got)
	}

	var feed event.Feed
	do(t, "GET", srv.URL+"/api/tasks/"+tk.ID+"/feed", nil, &feed)
	var types []event.Type
	for _, r := range feed.Events {
		types = append(types, r.Type)
	}
	if diff := cmp.Diff([]event.Type{event.TaskCreated, event.StatusChanged}, types); diff != "" {
		t.Fatalf("feed mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidTransitionBody(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()
	q, _ := svc.CreateQueue(ctx, "ops", "")
	tk, _ := svc.CreateTask(ctx, q.ID, task.Draft{Title: "a"})

	var body transitionError
	code := do(t, "POST", srv.URL+"/api/tasks/"+tk.ID+"/status", map[string]string{"status": "done"}, &body)
	if code != 409 {
		t.Fatalf("code = %d, want 409", code)
	}
	want := transitionError{
		Error:   body.Error,
		TaskID:  tk.ID,
		From:    task.StatusPending,
		To:      task.StatusDone,
		Allowed: []task.Status{task.StatusInProgress},
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}

	code = do(t, "POST", srv.URL+"/api/tasks/"+tk.ID+"/status", map[string]string{"status": "archived"}, &body)
	if code != 409 || !body.UnknownStatus {
		t.Fatalf("unknown status = %d %+v", code, body)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, svc := newTestServer(t)
	q, _ := svc.CreateQueue(context.Background(), "ops", "")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"missing task", "GET", "/api/tasks/nope", nil, 404},
		{"missing queue", "GET", "/api/queues/nope", nil, 404},
		{"blank title", "POST", "/api/queues/" + q.ID + "/tasks", map[string]string{"title": " "}, 400},
		{"complexity out of range", "POST", "/api/tasks/nope/complexity", map[string]int{"complexity": 9}, 400},
		{"task in missing queue", "POST", "/api/queues/nope/tasks", map[string]string{"title": "a"}, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]any
			if code := do(t, tc.method, srv.URL+tc.path, tc.body, &body); code != tc.code {
				t.Fatalf("code = %d, want %d (%v)", code, tc.code, body)
			}
			if body["error"] == "" {
				t.Fatal("missing error message")
			}
		})
	}

	resp, err := http.Post(srv.URL+"/api/queues", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("malformed JSON = %d", resp.StatusCode)
	}
}

// readEvent reads one SSE frame, skipping comments.
func readEvent(t *testing.T, sc *bufio.Scanner) (id, typ, data string) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if typ != "" {
				return
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return
}

func TestQueueStream(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()
	q, _ := svc.CreateQueue(ctx, "ops", "")
	tk, _ := svc.CreateTask(ctx, q.ID, task.Draft{Title: "first"})

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/queues/"+q.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)

	id, typ, data := readEvent(t, sc)
	if typ != string(event.TaskCreated) {
		t.Fatalf("backlog event = %s", typ)
	}
	var rec event.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.TaskID != tk.ID || id == "" {
		t.Fatalf("backlog record = id %q %+v", id, rec)
	}

	if _, err := svc.UpdateTaskStatus(ctx, tk.ID, task.StatusInProgress, "dev", ""); err != nil {
		t.Fatal(err)
	}
	_, typ, _ = readEvent(t, sc)
	if typ != string(event.StatusChanged) {
		t.Fatalf("live event = %s", typ)
	}
}

func TestQueueStreamResume(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()
	q, _ := svc.CreateQueue(ctx, "ops", "")
	svc.CreateTask(ctx, q.ID, task.Draft{Title: "first"})
	second, _ := svc.CreateTask(ctx, q.ID, task.Draft{Title: "second"})

	feed, _ := svc.GetQueueFeed(ctx, q.ID, 0, 0)
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/queues/"+q.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", jsonInt(feed.Events[0].Seq))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	_, _, data := readEvent(t, bufio.NewScanner(resp.Body))
	var rec event.Record
	json.Unmarshal([]byte(data), &rec)
	if rec.TaskID != second.ID {
		t.Fatalf("resumed at %+v, want second task's record", rec)
	}
}

func TestQueueStreamMissingQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/queues/nope/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("code = %d, want 404", resp.StatusCode)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
