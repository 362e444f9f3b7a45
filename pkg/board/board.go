// Package board groups a queue's tasks into fixed status columns.
package board

import "queueboard/pkg/task"

// Column is one status lane of the board.
type Column struct {
	Status task.Status `json:"status"`
	Tasks  []task.Task `json:"tasks"`
}

// Board is the five-column view of a task list. It is derived, never stored.
type Board struct {
	Columns []Column `json:"columns"`
	// Dropped counts tasks whose status matched no column.
	Dropped int `json:"dropped,omitempty"`
}

// Group partitions tasks by exact status into columns ordered pending,
// in_progress, blocked, review, done. Input order is kept within a column.
// Tasks with any other status are left out and counted in Dropped.
func Group(tasks []task.Task) Board {
	b := Board{Columns: make([]Column, len(task.Statuses))}
	index := make(map[task.Status]int, len(task.Statuses))
	for i, s := range task.Statuses {
		b.Columns[i] = Column{Status: s, Tasks: []task.Task{}}
		index[s] = i
	}
	for _, t := range tasks {
		i, ok := index[t.Status]
		if !ok {
			b.Dropped++
			continue
		}
		b.Columns[i].Tasks = append(b.Columns[i].Tasks, t)
	}
	return b
}

// Column returns the tasks in the given status lane.
func (b Board) Column(s task.Status) []task.Task {
	for _, c := range b.Columns {
		if c.Status == s {
			return c.Tasks
		}
	}
	return nil
}

// Counts returns the number of tasks per column, including empty ones.
func (b Board) Counts() map[task.Status]int {
	out := make(map[task.Status]int, len(b.Columns))
	for _, c := range b.Columns {
		out[c.Status] = len(c.Tasks)
	}
	return out
}

// Len returns the number of tasks placed on the board.
func (b Board) Len() int {
	n := 0
	for _, c := range b.Columns {
		n += len(c.Tasks)
	}
	return n
}
