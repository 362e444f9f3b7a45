package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestTransitionTableExhaustive checks every (from, to) pair against the table.
func TestTransitionTableExhaustive(t *testing.T) {
	want := map[Status][]Status{
		StatusPending:    {StatusInProgress},
		StatusInProgress: {StatusBlocked, StatusReview},
		StatusBlocked:    {StatusInProgress},
		StatusReview:     {StatusInProgress, StatusDone},
		StatusDone:       {},
	}
	if diff := cmp.Diff(want, Table()); diff != "" {
		t.Fatalf("Table() mismatch (-want +got):\n%s", diff)
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			legal := false
			for _, a := range want[from] {
				if a == to {
					legal = true
				}
			}
			err := Check(from, to)
			if legal && err != nil {
				t.Errorf("Check(%s, %s) = %v, want nil", from, to, err)
			}
			if !legal && err == nil {
				t.Errorf("Check(%s, %s) = nil, want error", from, to)
			}
		}
	}
}

func TestDoneIsTerminal(t *testing.T) {
	if got := Allowed(StatusDone); len(got) != 0 {
		t.Fatalf("Allowed(done) = %v, want empty", got)
	}
	for _, to := range Statuses {
		if CanTransition(StatusDone, to) {
			t.Errorf("done -> %s should be rejected", to)
		}
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	for _, s := range Statuses {
		if err := Check(s, s); err == nil {
			t.Errorf("Check(%s, %s) accepted a self transition", s, s)
		}
	}
}

func TestTaskTransition(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tk := &Task{ID: "t1", QueueID: "q1", Title: "write docs", Status: StatusPending, CreatedAt: created, UpdatedAt: created}

	later := created.Add(time.Minute)
	prev, err := tk.Transition(StatusInProgress, later)
	if err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
	if prev != StatusPending || tk.Status != StatusInProgress || !tk.UpdatedAt.Equal(later) {
		t.Fatalf("after transition: prev=%s status=%s updated=%v", prev, tk.Status, tk.UpdatedAt)
	}

	// Re-running the same request against the new state must fail.
	_, err = tk.Transition(StatusInProgress, later.Add(time.Minute))
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("repeat transition error = %v, want InvalidTransitionError", err)
	}
	if ite.TaskID != "t1" || ite.From != StatusInProgress || ite.To != StatusInProgress {
		t.Fatalf("unexpected error fields: %+v", ite)
	}
	if diff := cmp.Diff([]Status{StatusBlocked, StatusReview}, ite.Allowed); diff != "" {
		t.Fatalf("allowed mismatch (-want +got):\n%s", diff)
	}
	if !tk.UpdatedAt.Equal(later) {
		t.Fatalf("failed transition modified UpdatedAt")
	}
}

func TestTransitionRoundTrip(t *testing.T) {
	tk := &Task{Status: StatusInProgress}
	now := time.Now()
	if _, err := tk.Transition(StatusBlocked, now); err != nil {
		t.Fatalf("in_progress -> blocked: %v", err)
	}
	if _, err := tk.Transition(StatusInProgress, now); err != nil {
		t.Fatalf("blocked -> in_progress: %v", err)
	}
	if _, err := tk.Transition(StatusDone, now); err == nil {
		t.Fatal("in_progress -> done must go through review")
	}
	if tk.Status != StatusInProgress {
		t.Fatalf("status = %s after rejected transition", tk.Status)
	}
}

func TestTransitionClampsUpdatedAt(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tk := &Task{Status: StatusPending, CreatedAt: created, UpdatedAt: created}
	if _, err := tk.Transition(StatusInProgress, created.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if tk.UpdatedAt.Before(tk.CreatedAt) {
		t.Fatalf("UpdatedAt %v precedes CreatedAt %v", tk.UpdatedAt, tk.CreatedAt)
	}
}

func TestUnknownTargetSameKind(t *testing.T) {
	err := Check(StatusPending, Status("archived"))
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("unknown target error = %T, want *InvalidTransitionError", err)
	}
	if !ite.UnknownTarget() {
		t.Error("UnknownTarget() = false for a status outside the workflow")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("message %q should say the status does not exist", err)
	}

	err = Check(StatusPending, StatusDone)
	if !errors.As(err, &ite) || ite.UnknownTarget() {
		t.Fatalf("pending -> done: %v", err)
	}
	if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("message %q should say not allowed", err)
	}
}

func TestAllowedReturnsCopy(t *testing.T) {
	a := Allowed(StatusReview)
	a[0] = StatusDone
	if Allowed(StatusReview)[0] != StatusInProgress {
		t.Fatal("mutating Allowed result changed the table")
	}
}
