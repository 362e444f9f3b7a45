package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"queueboard/pkg/task"
)

// Status is a queue's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool { return s == StatusActive || s == StatusArchived }

// Queue is a named collection of tasks.
type Queue struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Read-time aggregates, filled by the owning service.
	TaskCounts map[task.Status]int `json:"task_counts,omitempty"`
	TotalTasks int                 `json:"total_tasks"`
}

// Validate checks name and status.
func (q *Queue) Validate() error {
	if strings.TrimSpace(q.Name) == "" {
		return &task.ValidationError{Field: "name", Msg: "queue name is required"}
	}
	if !q.Status.Valid() {
		return &task.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown queue status %q", q.Status)}
	}
	return nil
}

// Fields carries queue edits. Nil pointers are left unchanged.
type Fields struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// Apply writes the set fields onto q.
func (f Fields) Apply(q *Queue) {
	if f.Name != nil {
		q.Name = *f.Name
	}
	if f.Description != nil {
		q.Description = *f.Description
	}
	if f.Status != nil {
		q.Status = *f.Status
	}
}

var (
	// ErrNotFound is returned when a queue id does not exist.
	ErrNotFound = errors.New("queue not found")
	// ErrNameTaken is returned when creating or renaming onto an existing name.
	ErrNameTaken = errors.New("queue name already exists")
)

// Store is the contract for queue persistence.
type Store interface {
	Create(ctx context.Context, q *Queue) (*Queue, error)
	Get(ctx context.Context, id string) (*Queue, error)
	List(ctx context.Context, status Status, limit int) ([]Queue, error)
	Update(ctx context.Context, id string, f Fields) (*Queue, error)
	// Touch bumps UpdatedAt after any task activity in the queue.
	Touch(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}
