// Package event defines the immutable activity records emitted for every
// state-changing action on a queue or task.
package event

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// Type names what happened.
type Type string

const (
	TaskCreated        Type = "task_created"
	TaskUpdated        Type = "task_updated"
	StatusChanged      Type = "status_changed"
	ComplexityAssigned Type = "complexity_assigned"
	ArtifactAdded      Type = "artifact_added"
	MessageAdded       Type = "message_added"
)

// Record is a single, append-only activity fact. Records of one queue form a
// hash chain ordered by Seq.
type Record struct {
	ID        string         `json:"id"`  // UUID v7
	Seq       int64          `json:"seq"` // store-wide, strictly increasing
	QueueID   string         `json:"queue_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      Type           `json:"event_type"`
	Persona   string         `json:"persona,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Hash      string         `json:"hash,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
}

// Feed is a page of records plus the cursor for the next page.
type Feed struct {
	Events []Record `json:"events"`
	Next   int64    `json:"next"`
}

// NewFeed builds a page from recs; Next stays at after when recs is empty.
func NewFeed(recs []Record, after int64) Feed {
	f := Feed{Events: recs, Next: after}
	if f.Events == nil {
		f.Events = []Record{}
	}
	if n := len(recs); n > 0 {
		f.Next = recs[n-1].Seq
	}
	return f
}

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("event not found")

// Store is the contract for event persistence. Append assigns ID, Seq,
// CreatedAt and the chain hashes; CreatedAt never precedes the queue's
// previous record. All list methods return records oldest first.
type Store interface {
	Append(ctx context.Context, rec *Record) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	// Recent returns the last limit records of a queue.
	Recent(ctx context.Context, queueID string, limit int) ([]Record, error)
	// Since returns a queue's records with Seq > afterSeq.
	Since(ctx context.Context, queueID string, afterSeq int64, limit int) ([]Record, error)
	// ByTask returns a task's records with Seq > afterSeq.
	ByTask(ctx context.Context, taskID string, afterSeq int64, limit int) ([]Record, error)
	Count(ctx context.Context) (int, error)
	VerifyChain(ctx context.Context, queueID string) error
	EnsureTable(ctx context.Context) error
}

// computeHash computes the SHA-256 link for a record given the previous
// record's hash in the same queue.
func computeHash(prevHash string, r *Record, dataJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%s",
		prevHash, r.ID, r.Seq, r.QueueID, r.TaskID, r.Type, r.Persona, r.CreatedAt.UnixNano(), string(dataJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// Summarize builds the default human-readable summary for a record.
func Summarize(r *Record) string {
	str := func(k string) string {
		s, _ := r.Data[k].(string)
		return s
	}
	switch r.Type {
	case TaskCreated:
		return fmt.Sprintf("Task created: %s", str("title"))
	case StatusChanged:
		return fmt.Sprintf("Status changed from %s to %s", str("old_status"), str("new_status"))
	case TaskUpdated:
		if changes, ok := r.Data["changes"].(map[string]any); ok && len(changes) > 0 {
			return fmt.Sprintf("Task updated (%d fields)", len(changes))
		}
		return "Task updated"
	case ComplexityAssigned:
		return fmt.Sprintf("Complexity assessed: %v/5", r.Data["complexity"])
	case ArtifactAdded:
		return fmt.Sprintf("Artifact linked: %s", str("artifact_type"))
	case MessageAdded:
		role := str("author_role")
		if role == "" {
			role = "someone"
		}
		return fmt.Sprintf("Message from %s", role)
	}
	return string(r.Type)
}

// Normalize fills defaults before a record is persisted.
func Normalize(r *Record) {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	if r.Summary == "" {
		r.Summary = Summarize(r)
	}
}

// Validate checks the fields a caller must supply.
func (r *Record) Validate() error {
	if r.QueueID == "" {
		return errors.New("event queue_id is required")
	}
	if r.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}
