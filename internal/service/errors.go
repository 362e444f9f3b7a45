package service

import (
	"errors"
	"fmt"

	"queueboard/pkg/queue"
	"queueboard/pkg/task"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for duplicate queue names and for status
	// changes that kept losing a concurrent race.
	ErrConflict = errors.New("conflict")
)

// NotFoundError reports a missing queue or task.
type NotFoundError struct {
	Kind string // "queue" or "task"
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// notFound converts store not-found errors into *NotFoundError and passes
// anything else through.
func notFound(kind, id string, err error) error {
	if errors.Is(err, task.ErrNotFound) || errors.Is(err, queue.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id, Err: err}
	}
	return err
}
