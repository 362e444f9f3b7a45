package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a task's position in the workflow.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Statuses lists every workflow state in board order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusBlocked, StatusReview, StatusDone}

// Valid reports whether s is one of the workflow states.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Priority is an ordinal urgency, higher is more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a name ("high") or a number ("2").
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return PriorityLow, nil
	case "normal", "1", "":
		return PriorityNormal, nil
	case "high", "2":
		return PriorityHigh, nil
	case "urgent", "3":
		return PriorityUrgent, nil
	}
	return 0, &ValidationError{Field: "priority", Msg: fmt.Sprintf("unknown priority %q", s)}
}

// Complexity bounds for agent-assigned estimates.
const (
	MinComplexity = 1
	MaxComplexity = 5
)

// Task is a unit of work owned by exactly one queue.
type Task struct {
	ID                 string     `json:"id"`
	QueueID            string     `json:"queue_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Status             Status     `json:"status"`
	Priority           Priority   `json:"priority"`
	Complexity         *int       `json:"complexity,omitempty"`
	ComplexityNotes    string     `json:"complexity_notes,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	Assignee           string     `json:"assignee,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Validate checks the entity invariants.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Msg: "title is required"}
	}
	if t.QueueID == "" {
		return &ValidationError{Field: "queue_id", Msg: "queue is required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Msg: fmt.Sprintf("priority %d out of range 0-3", t.Priority)}
	}
	if t.Complexity != nil {
		if err := ValidateComplexity(*t.Complexity); err != nil {
			return err
		}
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return &ValidationError{Field: "updated_at", Msg: "updated_at precedes created_at"}
	}
	return nil
}

// ValidateComplexity checks an estimate against the 1-5 scale.
func ValidateComplexity(n int) error {
	if n < MinComplexity || n > MaxComplexity {
		return &ValidationError{Field: "complexity", Msg: fmt.Sprintf("complexity %d out of range %d-%d", n, MinComplexity, MaxComplexity)}
	}
	return nil
}

// Fields carries direct edits. Nil pointers are left unchanged. Status and
// queue are deliberately absent: status only moves through Transition.
type Fields struct {
	Title              *string    `json:"title,omitempty"`
	Description        *string    `json:"description,omitempty"`
	AcceptanceCriteria *string    `json:"acceptance_criteria,omitempty"`
	Priority           *Priority  `json:"priority,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	Assignee           *string    `json:"assignee,omitempty"`
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.AcceptanceCriteria == nil &&
		f.Priority == nil && f.Deadline == nil && f.Assignee == nil
}

// Apply writes the set fields onto t and returns a change log keyed by field.
func (f Fields) Apply(t *Task) map[string]any {
	changes := map[string]any{}
	if f.Title != nil {
		changes["title"] = map[string]any{"old": t.Title, "new": *f.Title}
		t.Title = *f.Title
	}
	if f.Description != nil {
		changes["description"] = "updated"
		t.Description = *f.Description
	}
	if f.AcceptanceCriteria != nil {
		changes["acceptance_criteria"] = "updated"
		t.AcceptanceCriteria = *f.AcceptanceCriteria
	}
	if f.Priority != nil {
		changes["priority"] = map[string]any{"old": int(t.Priority), "new": int(*f.Priority)}
		t.Priority = *f.Priority
	}
	if f.Deadline != nil {
		changes["deadline"] = map[string]any{"old": t.Deadline, "new": *f.Deadline}
		d := *f.Deadline
		t.Deadline = &d
	}
	if f.Assignee != nil {
		changes["assignee"] = map[string]any{"old": t.Assignee, "new": *f.Assignee}
		t.Assignee = *f.Assignee
	}
	return changes
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   Status
	Assignee string
	Limit    int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrStatusChanged is returned by SetStatus when the stored status no
	// longer matches the expected source status.
	ErrStatusChanged = errors.New("task status changed concurrently")
)

// ValidationError reports a rejected field value.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// Store is the contract for task persistence.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, t *Task) (*Task, error)
	// SetStatus commits to only if the stored status still equals from.
	SetStatus(ctx context.Context, id string, from, to Status, now time.Time) (*Task, error)
	List(ctx context.Context, queueID string, f Filter) ([]Task, error)
	CountByStatus(ctx context.Context, queueID string) (map[Status]int, error)
	AddArtifact(ctx context.Context, a *Artifact) (*Artifact, error)
	Artifacts(ctx context.Context, taskID string) ([]Artifact, error)
	Count(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}
