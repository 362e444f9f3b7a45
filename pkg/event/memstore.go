package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Records are kept in Seq order.
type MemStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	seq     int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) Append(_ context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	cp := *rec
	Normalize(&cp)
	dataJSON, err := json.Marshal(cp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last(cp.QueueID)
	s.seq++
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.Seq = s.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.CreatedAt = cp.CreatedAt.Truncate(time.Microsecond)
	if prev != nil {
		if cp.CreatedAt.Before(prev.CreatedAt) {
			cp.CreatedAt = prev.CreatedAt
		}
		cp.PrevHash = prev.Hash
	}
	cp.Hash = computeHash(cp.PrevHash, &cp, dataJSON)

	s.byID[cp.ID] = len(s.records)
	s.records = append(s.records, cp)
	out := cp
	return &out, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	cp := s.records[i]
	return &cp, nil
}

func (s *MemStore) Recent(_ context.Context, queueID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.records[i].QueueID == queueID {
			out = append(out, s.records[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

func (s *MemStore) Since(_ context.Context, queueID string, afterSeq int64, limit int) ([]Record, error) {
	return s.filter(func(r *Record) bool { return r.QueueID == queueID && r.Seq > afterSeq }, limit), nil
}

func (s *MemStore) ByTask(_ context.Context, taskID string, afterSeq int64, limit int) ([]Record, error) {
	return s.filter(func(r *Record) bool { return r.TaskID == taskID && r.Seq > afterSeq }, limit), nil
}

func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// VerifyChain recomputes every hash of a queue's chain.
func (s *MemStore) VerifyChain(_ context.Context, queueID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prevHash := ""
	i := 0
	for _, r := range s.records {
		if r.QueueID != queueID {
			continue
		}
		if err := verifyLink(i, prevHash, &r); err != nil {
			return err
		}
		prevHash = r.Hash
		i++
	}
	return nil
}

func (s *MemStore) filter(keep func(*Record) bool, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for i := range s.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out
}

func (s *MemStore) last(queueID string) *Record {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].QueueID == queueID {
			return &s.records[i]
		}
	}
	return nil
}

func verifyLink(i int, prevHash string, r *Record) error {
	if r.PrevHash != prevHash {
		return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, r.ID, r.PrevHash, prevHash)
	}
	dataJSON, _ := json.Marshal(r.Data)
	if want := computeHash(prevHash, r, dataJSON); r.Hash != want {
		return fmt.Errorf("event %d (%s): hash mismatch: got %s, want %s", i, r.ID, r.Hash, want)
	}
	return nil
}
