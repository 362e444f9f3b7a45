package stream

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"queueboard/pkg/event"
)

func TestRelayAcrossHubs(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	// Two replicas sharing one event store.
	store := event.NewMemStore()
	relayA := NewRelay(rc, "test:events", quietLogger())
	relayB := NewRelay(rc, "test:events", quietLogger())
	hubA := NewHub(store, WithLogger(quietLogger()), WithPublisher(relayA))
	hubB := NewHub(store, WithLogger(quietLogger()), WithPublisher(relayB))

	ctx, cancel := context.WithCancel(context.Background())
	doneA, doneB := make(chan struct{}), make(chan struct{})
	go func() { relayA.Run(ctx, hubA); close(doneA) }()
	go func() { relayB.Run(ctx, hubB); close(doneB) }()
	waitSubscribers(t, rc, "test:events", 2)

	subA, _ := hubA.Open(context.Background(), "q1")
	subB, _ := hubB.Open(context.Background(), "q1")
	defer subA.Close()
	defer subB.Close()

	rec, err := hubA.Append(context.Background(), &event.Record{QueueID: "q1", Type: event.StatusChanged,
		Data: map[string]any{"old_status": "pending", "new_status": "in_progress"}})
	if err != nil {
		t.Fatal(err)
	}

	if got := receive(t, subA, 1); got[0].ID != rec.ID {
		t.Fatalf("local subscriber got %+v", got[0])
	}
	if got := receive(t, subB, 1); got[0].ID != rec.ID || got[0].Data["new_status"] != "in_progress" {
		t.Fatalf("remote subscriber got %+v", got[0])
	}

	// The origin replica ignores its own echo.
	time.Sleep(50 * time.Millisecond)
	select {
	case extra := <-subA.Events():
		t.Fatalf("local subscriber received its own relayed record twice: %+v", extra)
	default:
	}

	cancel()
	for _, done := range []chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("relay did not exit")
		}
	}
}

func waitSubscribers(t *testing.T, rc *redis.Client, channel string, n int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		counts, err := rc.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && counts[channel] >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay subscribers did not attach to %s", channel)
}
