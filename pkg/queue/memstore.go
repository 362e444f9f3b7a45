package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{queues: make(map[string]*Queue)}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Create(_ context.Context, q *Queue) (*Queue, error) {
	cp := *q
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(cp.Name, "") {
		return nil, fmt.Errorf("create queue %q: %w", cp.Name, ErrNameTaken)
	}
	cp.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.queues[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("get queue %s: %w", id, ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

// List returns queues most recently updated first.
func (s *MemStore) List(_ context.Context, status Status, limit int) ([]Queue, error) {
	s.mu.RLock()
	var out []Queue
	for _, q := range s.queues {
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, *q)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Queue) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Update(_ context.Context, id string, f Fields) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("update queue %s: %w", id, ErrNotFound)
	}
	next := *cur
	f.Apply(&next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.Name != cur.Name && s.nameTaken(next.Name, id) {
		return nil, fmt.Errorf("rename queue %s: %w", id, ErrNameTaken)
	}
	next.UpdatedAt = time.Now().Truncate(time.Microsecond)
	s.queues[id] = &next
	out := next
	return &out, nil
}

func (s *MemStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("touch queue %s: %w", id, ErrNotFound)
	}
	q.UpdatedAt = time.Now().Truncate(time.Microsecond)
	return nil
}

func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues), nil
}

func (s *MemStore) nameTaken(name, exceptID string) bool {
	for id, q := range s.queues {
		if id != exceptID && q.Name == name {
			return true
		}
	}
	return false
}
