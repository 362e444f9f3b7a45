package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskColumns = `id, queue_id, title, description, acceptance_criteria, status, priority,
	complexity, complexity_notes, deadline, created_by, assignee, created_at, updated_at`

// EnsureTable creates the tasks and task_artifacts tables if they don't exist.
// The queues table must already exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			queue_id            TEXT NOT NULL REFERENCES queues(id),
			title               TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'pending',
			priority            INTEGER NOT NULL DEFAULT 1 CHECK (priority BETWEEN 0 AND 3),
			complexity          INTEGER CHECK (complexity BETWEEN 1 AND 5),
			complexity_notes    TEXT NOT NULL DEFAULT '',
			deadline            TIMESTAMPTZ,
			created_by          TEXT NOT NULL DEFAULT '',
			assignee            TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(queue_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee) WHERE assignee != ''`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL REFERENCES tasks(id),
			artifact_type TEXT NOT NULL,
			artifact_ref  TEXT NOT NULL DEFAULT '',
			git_branch    TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			created_by    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new task. The caller decides the initial status.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	cp := *t
	cp.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := cp.Validate(); err != nil {
		return nil, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cp.ID, cp.QueueID, cp.Title, cp.Description, cp.AcceptanceCriteria, string(cp.Status), int(cp.Priority),
		cp.Complexity, cp.ComplexityNotes, cp.Deadline, cp.CreatedBy, cp.Assignee, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &cp, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, notFound(err))
	}
	return t, nil
}

// Update writes the editable fields of t. Status and queue are never touched.
func (s *PgStore) Update(ctx context.Context, id string, t *Task) (*Task, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	updated, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET title = $1, description = $2, acceptance_criteria = $3, priority = $4,
			complexity = $5, complexity_notes = $6, deadline = $7, assignee = $8,
			updated_at = GREATEST($9, created_at)
		WHERE id = $10
		RETURNING `+taskColumns,
		t.Title, t.Description, t.AcceptanceCriteria, int(t.Priority),
		t.Complexity, t.ComplexityNotes, t.Deadline, t.Assignee, t.UpdatedAt, id))
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, notFound(err))
	}
	return updated, nil
}

// SetStatus is a compare-and-set on status: the row only changes if it is
// still in the from state.
func (s *PgStore) SetStatus(ctx context.Context, id string, from, to Status, now time.Time) (*Task, error) {
	now = now.Truncate(time.Microsecond)
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $1, updated_at = GREATEST($2, created_at)
		WHERE id = $3 AND status = $4
		RETURNING `+taskColumns,
		string(to), now, id, string(from)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("set status %s: %w", id, err)
	}
	// Distinguish a missing row from a lost race.
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("set status %s: %w", id, ErrStatusChanged)
}

// List returns a queue's tasks, deadline-bearing first, then priority desc,
// then oldest first.
func (s *PgStore) List(ctx context.Context, queueID string, f Filter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE queue_id = $1`
	args := []any{queueID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Assignee != "" {
		args = append(args, f.Assignee)
		query += fmt.Sprintf(" AND assignee = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY (deadline IS NULL), deadline ASC, priority DESC, created_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// CountByStatus returns task counts for a queue keyed by status.
func (s *PgStore) CountByStatus(ctx context.Context, queueID string) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks WHERE queue_id = $1 GROUP BY status`, queueID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// AddArtifact links an artifact to a task.
func (s *PgStore) AddArtifact(ctx context.Context, a *Artifact) (*Artifact, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, a.TaskID); err != nil {
		return nil, err
	}
	cp := *a
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.CreatedAt = time.Now().Truncate(time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_artifacts (id, task_id, artifact_type, artifact_ref, git_branch, description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.TaskID, cp.Type, cp.ArtifactRef, cp.GitBranch, cp.Description, cp.CreatedBy, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add artifact: %w", err)
	}
	return &cp, nil
}

// Artifacts returns a task's artifact links, newest first.
func (s *PgStore) Artifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, artifact_type, artifact_ref, git_branch, description, created_by, created_at
		FROM task_artifacts WHERE task_id = $1 ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Type, &a.ArtifactRef, &a.GitBranch, &a.Description, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns total task count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	var priority int
	if err := row.Scan(&t.ID, &t.QueueID, &t.Title, &t.Description, &t.AcceptanceCriteria, &status, &priority,
		&t.Complexity, &t.ComplexityNotes, &t.Deadline, &t.CreatedBy, &t.Assignee, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	return &t, nil
}

func scanTaskRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
