package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// transitions is the workflow table. done has no outbound edges and no
// state lists itself as a target.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusBlocked, StatusReview},
	StatusBlocked:    {StatusInProgress},
	StatusReview:     {StatusInProgress, StatusDone},
	StatusDone:       {},
}

// Allowed returns the legal targets from a status. Unknown sources have none.
func Allowed(from Status) []Status {
	return slices.Clone(transitions[from])
}

// Table returns a copy of the full transition table.
func Table() map[Status][]Status {
	out := make(map[Status][]Status, len(transitions))
	for from, to := range transitions {
		out[from] = slices.Clone(to)
	}
	return out
}

// CanTransition reports whether from -> to appears in the table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Check validates from -> to, returning *InvalidTransitionError if illegal.
func Check(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: Allowed(from)}
}

// Transition moves t to the target status, bumping UpdatedAt. It returns
// the previous status. On error t is not modified.
func (t *Task) Transition(to Status, now time.Time) (Status, error) {
	if err := Check(t.Status, to); err != nil {
		if ite, ok := err.(*InvalidTransitionError); ok {
			ite.TaskID = t.ID
		}
		return t.Status, err
	}
	prev := t.Status
	t.Status = to
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.UpdatedAt = now
	return prev, nil
}

// InvalidTransitionError is returned for any target outside the allowed
// set, including targets that are not workflow states at all.
type InvalidTransitionError struct {
	TaskID  string
	From    Status
	To      Status
	Allowed []Status
}

// UnknownTarget reports whether To is not a workflow state.
func (e *InvalidTransitionError) UnknownTarget() bool { return !e.To.Valid() }

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	list := strings.Join(allowed, ", ")
	if list == "" {
		list = "none"
	}
	subject := "task"
	if e.TaskID != "" {
		subject = "task " + e.TaskID
	}
	if e.UnknownTarget() {
		return fmt.Sprintf("invalid transition for %s: status %q does not exist (allowed from %s: %s)", subject, e.To, e.From, list)
	}
	return fmt.Sprintf("invalid transition for %s: %s -> %s not allowed (allowed: %s)", subject, e.From, e.To, list)
}
