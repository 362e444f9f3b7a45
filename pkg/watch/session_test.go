package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	q       *queue.Queue
	tasks   []task.Task
	err     error
	gate    chan struct{} // when set, ListTasks blocks on it and ignores ctx
	started chan struct{}
}

func (f *fakeFetcher) GetQueue(_ context.Context, id string) (*queue.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	q := *f.q
	return &q, nil
}

func (f *fakeFetcher) ListTasks(_ context.Context, queueID string, _ task.Filter) ([]task.Task, error) {
	f.mu.Lock()
	f.calls++
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Task(nil), f.tasks...), nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) SetTasks(tasks ...task.Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

type fakeStream struct {
	ch     chan event.Record
	once   sync.Once
	err    error
	closed atomic.Bool
}

func (s *fakeStream) Events() <-chan event.Record { return s.ch }
func (s *fakeStream) Err() error                  { return s.err }
func (s *fakeStream) Close() {
	s.closed.Store(true)
	s.once.Do(func() { close(s.ch) })
}

// fail ends the stream from the server side.
func (s *fakeStream) fail(err error) {
	s.err = err
	s.once.Do(func() { close(s.ch) })
}

type fakeStreamer struct {
	mu      sync.Mutex
	opens   int
	streams []*fakeStream
	err     error
}

func (f *fakeStreamer) Open(context.Context, string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	st := &fakeStream{ch: make(chan event.Record, 64)}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeStreamer) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{q: &queue.Queue{ID: "q1", Name: "backend", Status: queue.StatusActive}}
}

func appendRec(t *testing.T, h *stream.Hub, typ event.Type, msg string) {
	t.Helper()
	_, err := h.Append(context.Background(), &event.Record{QueueID: "q1", Type: typ, Data: map[string]any{"message": msg}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNotificationBufferBound(t *testing.T) {
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(quietLogger()))
	s := New("q1", newFetcher(), HubStreamer(hub), WithLogger(quietLogger()))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 15; i++ {
		appendRec(t, hub, event.MessageAdded, fmt.Sprintf("m%d", i))
	}
	eventually(t, "15th record", func() bool {
		n := s.Notifications()
		return len(n) > 0 && n[0].Data["message"] == "m14"
	})

	var got []string
	for _, rec := range s.Notifications() {
		got = append(got, rec.Data["message"].(string))
	}
	want := []string{"m14", "m13", "m12", "m11", "m10", "m9", "m8", "m7", "m6", "m5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestDoubleOpenKeepsOneHandle(t *testing.T) {
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(quietLogger()))
	s := New("q1", newFetcher(), HubStreamer(hub), WithLogger(quietLogger()))
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if n := hub.Stats().Subscribers; n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	s.Close()
	if s.IsStreaming() {
		t.Fatal("IsStreaming after Close")
	}
	if n := hub.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers after Close = %d, want 0", n)
	}
	s.Close()
}

func TestOpenEndsWithContext(t *testing.T) {
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(quietLogger()))
	s := New("q1", newFetcher(), HubStreamer(hub), WithLogger(quietLogger()))
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	eventually(t, "stream to end after cancel", func() bool { return !s.IsStreaming() })
	if n := hub.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers after cancel = %d, want 0", n)
	}
	var te *TransportError
	if !errors.As(s.Err(), &te) || !errors.Is(te, context.Canceled) {
		t.Fatalf("Err = %v, want TransportError wrapping context.Canceled", s.Err())
	}
}

func TestRefetchOnlyOnStateEvents(t *testing.T) {
	f := newFetcher()
	hub := stream.NewHub(event.NewMemStore(), stream.WithLogger(quietLogger()))
	s := New("q1", f, HubStreamer(hub), WithLogger(quietLogger()))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.SetTasks(task.Task{ID: "t1", QueueID: "q1", Title: "a", Status: task.StatusInProgress})
	appendRec(t, hub, event.StatusChanged, "")
	eventually(t, "refetch", func() bool { return len(s.Tasks()) == 1 })
	if s.Board().Counts()[task.StatusInProgress] != 1 {
		t.Fatalf("board not derived from fetched tasks: %+v", s.Board())
	}

	before := f.Calls()
	appendRec(t, hub, event.MessageAdded, "hello")
	eventually(t, "message notification", func() bool { return len(s.Notifications()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if f.Calls() != before {
		t.Fatalf("message_added triggered a refetch (%d -> %d calls)", before, f.Calls())
	}
}

func TestWithRefetchOnExtendsSet(t *testing.T) {
	f := newFetcher()
	st := &fakeStreamer{}
	s := New("q1", f, st, WithLogger(quietLogger()),
		WithRefetchOn(event.TaskCreated, event.StatusChanged, event.ArtifactAdded))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	st.streams[0].ch <- event.Record{QueueID: "q1", Type: event.ArtifactAdded}
	eventually(t, "artifact refetch", func() bool { return f.Calls() == 1 })
}

func TestRefetchCoalesces(t *testing.T) {
	f := newFetcher()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 16)
	st := &fakeStreamer{}
	s := New("q1", f, st, WithLogger(quietLogger()))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		st.streams[0].ch <- event.Record{QueueID: "q1", Type: event.TaskCreated}
	}
	<-f.started
	eventually(t, "all records buffered", func() bool { return len(s.Notifications()) == 5 })

	close(f.gate)
	eventually(t, "follow-up fetch", func() bool { return f.Calls() == 2 })
	time.Sleep(50 * time.Millisecond)
	if f.Calls() != 2 {
		t.Fatalf("fetches = %d, want 2 (one in flight plus one pending)", f.Calls())
	}
}

func TestCloseDiscardsInFlightRefetch(t *testing.T) {
	f := newFetcher()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	st := &fakeStreamer{}

	var changesAfterClose atomic.Int32
	var closed atomic.Bool
	s := New("q1", f, st, WithLogger(quietLogger()), OnChange(func(State) {
		if closed.Load() {
			changesAfterClose.Add(1)
		}
	}))
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.SetTasks(task.Task{ID: "late", QueueID: "q1", Title: "late", Status: task.StatusPending})
	st.streams[0].ch <- event.Record{QueueID: "q1", Type: event.TaskCreated}
	<-f.started

	s.Close()
	closed.Store(true)
	if !st.streams[0].closed.Load() {
		t.Fatal("Close did not release the stream handle")
	}

	close(f.gate)
	time.Sleep(50 * time.Millisecond)
	if got := s.Tasks(); len(got) != 0 {
		t.Fatalf("refetch result applied after Close: %+v", got)
	}
	if n := changesAfterClose.Load(); n != 0 {
		t.Fatalf("%d change callbacks fired after Close", n)
	}
}

func TestTransportErrorNoRetry(t *testing.T) {
	st := &fakeStreamer{}
	errs := make(chan error, 1)
	s := New("q1", newFetcher(), st, WithLogger(quietLogger()), OnError(func(err error) { errs <- err }))
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.IsStreaming() {
		t.Fatal("IsStreaming false after Open")
	}

	cause := errors.New("connection reset")
	st.streams[0].fail(cause)

	select {
	case err := <-errs:
		var te *TransportError
		if !errors.As(err, &te) || !errors.Is(err, cause) {
			t.Fatalf("error callback got %v, want TransportError wrapping cause", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error callback")
	}
	if s.IsStreaming() {
		t.Fatal("still streaming after transport error")
	}
	time.Sleep(20 * time.Millisecond)
	if st.Opens() != 1 {
		t.Fatalf("opens = %d, client must not retry on its own", st.Opens())
	}

	// The caller decides to reconnect.
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.Opens() != 2 || !s.IsStreaming() {
		t.Fatal("explicit reopen did not take")
	}
}

func TestOpenFailure(t *testing.T) {
	st := &fakeStreamer{err: errors.New("dial tcp: refused")}
	s := New("q1", newFetcher(), st, WithLogger(quietLogger()))
	err := s.Open(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Open = %v, want TransportError", err)
	}
	if s.IsStreaming() || s.Err() == nil {
		t.Fatal("failed open left session streaming or without error")
	}
}

func TestLoad(t *testing.T) {
	f := newFetcher()
	f.SetTasks(
		task.Task{ID: "a", Status: task.StatusPending},
		task.Task{ID: "b", Status: task.StatusDone},
	)
	s := New("q1", f, &fakeStreamer{}, WithLogger(quietLogger()))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Queue().Name != "backend" || len(s.Tasks()) != 2 {
		t.Fatalf("state after Load: queue=%+v tasks=%d", s.Queue(), len(s.Tasks()))
	}

	f.err = queue.ErrNotFound
	if err := s.Load(context.Background()); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Load = %v, want ErrNotFound", err)
	}
	if len(s.Tasks()) != 2 {
		t.Fatal("failed Load cleared state")
	}
}

func TestLoadClearsFetchError(t *testing.T) {
	f := newFetcher()
	s := New("q1", f, &fakeStreamer{}, WithLogger(quietLogger()))
	f.mu.Lock()
	f.err = errors.New("connection reset")
	f.mu.Unlock()
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("Load succeeded with a failing fetcher")
	}
	if s.Err() == nil {
		t.Fatal("failed Load left no error")
	}

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err after recovery = %v, want nil", err)
	}
	if s.State().Err != nil {
		t.Fatal("State().Err not cleared")
	}
}
