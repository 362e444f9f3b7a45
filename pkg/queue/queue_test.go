package queue

import (
	"context"
	"errors"
	"testing"

	"queueboard/pkg/task"
)

func TestMemStoreCreateUniqueName(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	q, err := s.Create(ctx, &Queue{Name: "backend"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Status != StatusActive {
		t.Errorf("new queue status = %s, want active", q.Status)
	}
	if _, err := s.Create(ctx, &Queue{Name: "backend"}); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("duplicate create = %v, want ErrNameTaken", err)
	}
	var ve *task.ValidationError
	if _, err := s.Create(ctx, &Queue{Name: " "}); !errors.As(err, &ve) {
		t.Fatalf("blank create = %v, want ValidationError", err)
	}
}

func TestMemStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a, _ := s.Create(ctx, &Queue{Name: "a"})
	if _, err := s.Create(ctx, &Queue{Name: "b"}); err != nil {
		t.Fatal(err)
	}

	archived := StatusArchived
	got, err := s.Update(ctx, a.ID, Fields{Status: &archived})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusArchived {
		t.Fatalf("status = %s", got.Status)
	}

	name := "b"
	if _, err := s.Update(ctx, a.ID, Fields{Name: &name}); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("rename onto existing = %v, want ErrNameTaken", err)
	}
	bogus := Status("deleted")
	if _, err := s.Update(ctx, a.ID, Fields{Status: &bogus}); err == nil {
		t.Fatal("unknown status accepted")
	}
	if _, err := s.Update(ctx, "nope", Fields{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update = %v, want ErrNotFound", err)
	}

	active, _ := s.List(ctx, StatusActive, 0)
	if len(active) != 1 || active[0].Name != "b" {
		t.Fatalf("active queues = %+v", active)
	}
}
