// Package service owns queue and task state. Every mutation is validated,
// committed to the store and then announced on the queue's event stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"queueboard/pkg/board"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

// DefaultStatusRetries bounds compare-and-set attempts per status change.
const DefaultStatusRetries = 3

// Service is the task-owning service.
type Service struct {
	queues  queue.Store
	tasks   task.Store
	hub     *stream.Hub
	log     log.FieldLogger
	now     func() time.Time
	retries int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStatusRetries sets how many times a status change retries after losing
// a compare-and-set race.
func WithStatusRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retries = n
		}
	}
}

// New creates a Service. Records are persisted and fanned out through hub.
func New(queues queue.Store, tasks task.Store, hub *stream.Hub, opts ...Option) *Service {
	s := &Service{
		queues:  queues,
		tasks:   tasks,
		hub:     hub,
		log:     log.StandardLogger(),
		now:     time.Now,
		retries: DefaultStatusRetries,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "service")
	return s
}

// lockQueue serializes mutations of one queue's tasks within this process
// so commit order and event order agree.
func (s *Service) lockQueue(queueID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[queueID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[queueID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// --- Queues ---

// CreateQueue creates an active queue. Names must be unique.
func (s *Service) CreateQueue(ctx context.Context, name, description string) (*queue.Queue, error) {
	name = strings.TrimSpace(name)
	q, err := s.queues.Create(ctx, &queue.Queue{Name: name, Description: description, Status: queue.StatusActive})
	if errors.Is(err, queue.ErrNameTaken) {
		return nil, fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if err != nil {
		return nil, err
	}
	q.TaskCounts = map[task.Status]int{}
	s.log.WithFields(log.Fields{"queue": q.ID, "name": q.Name}).Info("queue created")
	return q, nil
}

// GetQueue returns a queue with its per-status task counts.
func (s *Service) GetQueue(ctx context.Context, id string) (*queue.Queue, error) {
	q, err := s.queues.Get(ctx, id)
	if err != nil {
		return nil, notFound("queue", id, err)
	}
	if err := s.fillCounts(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// ListQueues returns queues, most recently active first. An empty status
// lists all.
func (s *Service) ListQueues(ctx context.Context, status queue.Status, limit int) ([]queue.Queue, error) {
	if status != "" && !status.Valid() {
		return nil, &task.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown queue status %q", status)}
	}
	qs, err := s.queues.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if qs == nil {
		qs = []queue.Queue{}
	}
	for i := range qs {
		if err := s.fillCounts(ctx, &qs[i]); err != nil {
			return nil, err
		}
	}
	return qs, nil
}

// UpdateQueue edits name, description or status.
func (s *Service) UpdateQueue(ctx context.Context, id string, f queue.Fields) (*queue.Queue, error) {
	if f.Name != nil {
		trimmed := strings.TrimSpace(*f.Name)
		f.Name = &trimmed
	}
	q, err := s.queues.Update(ctx, id, f)
	switch {
	case errors.Is(err, queue.ErrNameTaken):
		return nil, fmt.Errorf("%w: %w", ErrConflict, err)
	case err != nil:
		return nil, notFound("queue", id, err)
	}
	if err := s.fillCounts(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Service) fillCounts(ctx context.Context, q *queue.Queue) error {
	counts, err := s.tasks.CountByStatus(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("count tasks for queue %s: %w", q.ID, err)
	}
	q.TaskCounts = counts
	q.TotalTasks = 0
	for _, n := range counts {
		q.TotalTasks += n
	}
	return nil
}

// --- Tasks ---

// CreateTask adds a pending task to an active queue.
func (s *Service) CreateTask(ctx context.Context, queueID string, d task.Draft) (*task.Task, error) {
	q, err := s.queues.Get(ctx, queueID)
	if err != nil {
		return nil, notFound("queue", queueID, err)
	}
	if q.Status == queue.StatusArchived {
		return nil, &task.ValidationError{Field: "queue_id", Msg: fmt.Sprintf("queue %s is archived", queueID)}
	}
	d.Title = strings.TrimSpace(d.Title)

	unlock := s.lockQueue(queueID)
	defer unlock()
	t, err := s.tasks.Create(ctx, d.Task(queueID))
	if err != nil {
		return nil, err
	}
	s.emit(ctx, &event.Record{
		QueueID: queueID,
		TaskID:  t.ID,
		Type:    event.TaskCreated,
		Persona: t.CreatedBy,
		Data: map[string]any{
			"title":    t.Title,
			"priority": int(t.Priority),
			"status":   string(t.Status),
		},
	})
	return t, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	return t, nil
}

// ListTasks returns a queue's tasks: deadline-bearing first, then priority
// descending, then oldest first.
func (s *Service) ListTasks(ctx context.Context, queueID string, f task.Filter) ([]task.Task, error) {
	if _, err := s.queues.Get(ctx, queueID); err != nil {
		return nil, notFound("queue", queueID, err)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, &task.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", f.Status)}
	}
	tasks, err := s.tasks.List(ctx, queueID, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return tasks, nil
}

// Board groups a queue's tasks into status columns.
func (s *Service) Board(ctx context.Context, queueID string) (board.Board, error) {
	tasks, err := s.ListTasks(ctx, queueID, task.Filter{})
	if err != nil {
		return board.Board{}, err
	}
	return board.Group(tasks), nil
}

// UpdateTask applies field edits. Status is never changed here.
func (s *Service) UpdateTask(ctx context.Context, id string, f task.Fields) (*task.Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Empty() {
		return cur, nil
	}
	if f.Title != nil {
		trimmed := strings.TrimSpace(*f.Title)
		f.Title = &trimmed
	}

	unlock := s.lockQueue(cur.QueueID)
	defer unlock()
	if cur, err = s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	changes := f.Apply(cur)
	cur.UpdatedAt = s.now()
	t, err := s.tasks.Update(ctx, id, cur)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	s.emit(ctx, &event.Record{
		QueueID: t.QueueID,
		TaskID:  t.ID,
		Type:    event.TaskUpdated,
		Data:    map[string]any{"changes": changes},
	})
	return t, nil
}

// UpdateTaskStatus moves a task through the workflow. The target is
// validated against the current status and committed only if the status is
// still the one validated against; a lost race re-validates from the new
// status. Illegal targets return *task.InvalidTransitionError.
func (s *Service) UpdateTaskStatus(ctx context.Context, id string, to task.Status, persona, notes string) (*task.Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockQueue(cur.QueueID)
	defer unlock()

	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			if cur, err = s.GetTask(ctx, id); err != nil {
				return nil, err
			}
		}
		now := s.now()
		probe := *cur
		from, err := probe.Transition(to, now)
		if err != nil {
			return nil, err
		}
		updated, err := s.tasks.SetStatus(ctx, id, from, to, now)
		if errors.Is(err, task.ErrStatusChanged) {
			s.log.WithFields(log.Fields{"task": id, "attempt": attempt + 1}).Debug("status changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, notFound("task", id, err)
		}
		data := map[string]any{"old_status": string(from), "new_status": string(to)}
		if notes != "" {
			data["notes"] = notes
		}
		s.emit(ctx, &event.Record{
			QueueID: updated.QueueID,
			TaskID:  updated.ID,
			Type:    event.StatusChanged,
			Persona: persona,
			Data:    data,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("%w: status of task %s kept changing", ErrConflict, id)
}

// AssignComplexity records a 1-5 complexity estimate.
func (s *Service) AssignComplexity(ctx context.Context, id string, complexity int, notes, persona string) (*task.Task, error) {
	if err := task.ValidateComplexity(complexity); err != nil {
		return nil, err
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockQueue(cur.QueueID)
	defer unlock()
	if cur, err = s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	cur.Complexity = &complexity
	cur.ComplexityNotes = notes
	cur.UpdatedAt = s.now()
	t, err := s.tasks.Update(ctx, id, cur)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	data := map[string]any{"complexity": complexity}
	if notes != "" {
		data["notes"] = notes
	}
	s.emit(ctx, &event.Record{
		QueueID: t.QueueID,
		TaskID:  t.ID,
		Type:    event.ComplexityAssigned,
		Persona: persona,
		Data:    data,
	})
	return t, nil
}

// AddTaskArtifact links an artifact or git branch to a task.
func (s *Service) AddTaskArtifact(ctx context.Context, id string, a task.Artifact) (*task.Artifact, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	a.TaskID = id
	unlock := s.lockQueue(t.QueueID)
	defer unlock()
	saved, err := s.tasks.AddArtifact(ctx, &a)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	data := map[string]any{"artifact_id": saved.ID, "artifact_type": saved.Type}
	if saved.ArtifactRef != "" {
		data["artifact_ref"] = saved.ArtifactRef
	}
	if saved.GitBranch != "" {
		data["git_branch"] = saved.GitBranch
	}
	if saved.Description != "" {
		data["description"] = saved.Description
	}
	s.emit(ctx, &event.Record{
		QueueID: t.QueueID,
		TaskID:  t.ID,
		Type:    event.ArtifactAdded,
		Persona: saved.CreatedBy,
		Data:    data,
	})
	return saved, nil
}

// ListTaskArtifacts returns a task's artifact links, newest first.
func (s *Service) ListTaskArtifacts(ctx context.Context, id string) ([]task.Artifact, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	arts, err := s.tasks.Artifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	if arts == nil {
		arts = []task.Artifact{}
	}
	return arts, nil
}

// AddTaskMessage posts a message on a task. The message is the record.
func (s *Service) AddTaskMessage(ctx context.Context, id, body, authorRole string) (*event.Record, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, &task.ValidationError{Field: "message", Msg: "message is required"}
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockQueue(t.QueueID)
	defer unlock()
	rec, err := s.hub.Append(ctx, &event.Record{
		QueueID: t.QueueID,
		TaskID:  t.ID,
		Type:    event.MessageAdded,
		Persona: authorRole,
		Data:    map[string]any{"message": body, "author_role": authorRole},
	})
	if err != nil {
		return nil, fmt.Errorf("post message on task %s: %w", id, err)
	}
	s.touch(ctx, t.QueueID)
	return rec, nil
}

// --- Feeds ---

// GetTaskFeed returns a task's records after the cursor, oldest first.
func (s *Service) GetTaskFeed(ctx context.Context, id string, after int64, limit int) (event.Feed, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return event.Feed{}, err
	}
	recs, err := s.hub.Store().ByTask(ctx, id, after, limit)
	if err != nil {
		return event.Feed{}, fmt.Errorf("task feed %s: %w", id, err)
	}
	return event.NewFeed(recs, after), nil
}

// GetQueueFeed returns a queue's records after the cursor, oldest first.
func (s *Service) GetQueueFeed(ctx context.Context, queueID string, after int64, limit int) (event.Feed, error) {
	if _, err := s.queues.Get(ctx, queueID); err != nil {
		return event.Feed{}, notFound("queue", queueID, err)
	}
	recs, err := s.hub.Store().Since(ctx, queueID, after, limit)
	if err != nil {
		return event.Feed{}, fmt.Errorf("queue feed %s: %w", queueID, err)
	}
	return event.NewFeed(recs, after), nil
}

// Transitions returns the workflow table.
func (s *Service) Transitions() map[task.Status][]task.Status {
	return task.Table()
}

// Stats summarizes stored and streaming state.
type Stats struct {
	Queues int          `json:"queues"`
	Tasks  int          `json:"tasks"`
	Events int          `json:"events"`
	Stream stream.Stats `json:"stream"`
}

// Stats counts queues, tasks and records and reports hub activity.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Queues, err = s.queues.Count(ctx); err != nil {
		return st, fmt.Errorf("count queues: %w", err)
	}
	if st.Tasks, err = s.tasks.Count(ctx); err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	if st.Events, err = s.hub.Store().Count(ctx); err != nil {
		return st, fmt.Errorf("count events: %w", err)
	}
	st.Stream = s.hub.Stats()
	return st, nil
}

// emit appends a record after a committed mutation and touches the queue.
// The mutation stands even if the record cannot be appended.
func (s *Service) emit(ctx context.Context, rec *event.Record) {
	if _, err := s.hub.Append(ctx, rec); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"queue": rec.QueueID, "task": rec.TaskID, "type": rec.Type}).
			Error("event append failed")
	}
	s.touch(ctx, rec.QueueID)
}

func (s *Service) touch(ctx context.Context, queueID string) {
	if err := s.queues.Touch(ctx, queueID); err != nil {
		s.log.WithError(err).WithField("queue", queueID).Warn("touch queue failed")
	}
}
