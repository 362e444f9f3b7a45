package task

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and the memory storage driver.
type MemStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	artifacts map[string][]Artifact
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:     make(map[string]*Task),
		artifacts: make(map[string][]Artifact),
	}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Create(_ context.Context, t *Task) (*Task, error) {
	cp := *t
	cp.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tasks[cp.ID] = &cp
	s.mu.Unlock()
	out := cp
	return &out, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// Update replaces the editable fields of id with those of t. Status and
// queue are kept from the stored row.
func (s *MemStore) Update(_ context.Context, id string, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	next := *t
	next.ID = cur.ID
	next.QueueID = cur.QueueID
	next.Status = cur.Status
	next.CreatedAt = cur.CreatedAt
	if next.UpdatedAt.Before(cur.CreatedAt) {
		next.UpdatedAt = cur.CreatedAt
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.tasks[id] = &next
	out := next
	return &out, nil
}

func (s *MemStore) SetStatus(_ context.Context, id string, from, to Status, now time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("set status %s: %w", id, ErrNotFound)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("set status %s: %w", id, ErrStatusChanged)
	}
	next := *cur
	if _, err := next.Transition(to, now); err != nil {
		return nil, err
	}
	s.tasks[id] = &next
	out := next
	return &out, nil
}

func (s *MemStore) List(_ context.Context, queueID string, f Filter) ([]Task, error) {
	s.mu.RLock()
	var out []Task
	for _, t := range s.tasks {
		if t.QueueID != queueID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		out = append(out, *t)
	}
	s.mu.RUnlock()

	SortForList(out)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountByStatus(_ context.Context, queueID string) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[Status]int{}
	for _, t := range s.tasks {
		if t.QueueID == queueID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (s *MemStore) AddArtifact(_ context.Context, a *Artifact) (*Artifact, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[a.TaskID]; !ok {
		return nil, fmt.Errorf("add artifact to %s: %w", a.TaskID, ErrNotFound)
	}
	cp := *a
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.CreatedAt = time.Now().Truncate(time.Microsecond)
	s.artifacts[a.TaskID] = append(s.artifacts[a.TaskID], cp)
	return &cp, nil
}

// Artifacts returns links newest first.
func (s *MemStore) Artifacts(_ context.Context, taskID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.artifacts[taskID]
	out := make([]Artifact, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks), nil
}

// SortForList orders tasks the way List returns them: tasks with a
// deadline first (earliest first), then priority descending, then oldest.
func SortForList(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		switch {
		case a.Deadline != nil && b.Deadline == nil:
			return -1
		case a.Deadline == nil && b.Deadline != nil:
			return 1
		case a.Deadline != nil && b.Deadline != nil:
			if c := a.Deadline.Compare(*b.Deadline); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
