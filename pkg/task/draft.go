package task

import "time"

// Draft is the caller-supplied part of a new task.
type Draft struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Priority           *Priority  `json:"priority,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	Assignee           string     `json:"assignee,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
}

// Task builds the new task for queueID. Every new task starts pending;
// priority defaults to normal.
func (d Draft) Task(queueID string) *Task {
	p := PriorityNormal
	if d.Priority != nil {
		p = *d.Priority
	}
	return &Task{
		QueueID:            queueID,
		Title:              d.Title,
		Description:        d.Description,
		AcceptanceCriteria: d.AcceptanceCriteria,
		Status:             StatusPending,
		Priority:           p,
		Deadline:           d.Deadline,
		Assignee:           d.Assignee,
		CreatedBy:          d.CreatedBy,
	}
}
