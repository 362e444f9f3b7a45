package watch

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"queueboard/pkg/board"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/task"
)

// Session is one observer's state for one queue: the last fetched queue and
// tasks, a bounded notification buffer and at most one stream handle.
//
// Every asynchronous result carries the generation it started under and is
// dropped if the generation moved on. Close bumps the generation.
type Session struct {
	queueID   string
	fetcher   Fetcher
	streamer  Streamer
	refetchOn map[event.Type]bool
	onChange  func(State)
	onError   func(error)
	log       log.FieldLogger

	// deliverMu is held while a callback runs; Close acquires it once after
	// bumping the generation so no callback outlives Close.
	deliverMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	handle    Stream
	opening   bool
	closeConn context.CancelFunc
	fetching  bool
	pending   bool
	queue     *queue.Queue
	tasks     []task.Task
	notes     []event.Record
	err       error
}

// Option configures a Session.
type Option func(*Session)

// WithRefetchOn replaces the set of event types that trigger a re-fetch.
func WithRefetchOn(types ...event.Type) Option {
	return func(s *Session) {
		s.refetchOn = make(map[event.Type]bool, len(types))
		for _, t := range types {
			s.refetchOn[t] = true
		}
	}
}

// OnChange registers a callback run after every state change. Callbacks run
// on the session's goroutines and must not call Close.
func OnChange(fn func(State)) Option {
	return func(s *Session) { s.onChange = fn }
}

// OnError registers a callback for asynchronous failures: TransportError
// when the stream drops, or a fetch error from a re-fetch.
func OnError(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithLogger sets the session's logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// New creates a session for queueID.
func New(queueID string, f Fetcher, st Streamer, opts ...Option) *Session {
	s := &Session{
		queueID:  queueID,
		fetcher:  f,
		streamer: st,
		log:      log.StandardLogger(),
	}
	WithRefetchOn(DefaultRefetchOn...)(s)
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(log.Fields{"component": "watch", "queue": queueID})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// QueueID returns the watched queue.
func (s *Session) QueueID() string { return s.queueID }

// Load fetches the queue and its tasks and overwrites local state.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	gen, genCtx := s.gen, s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	q, tasks, err := s.fetch(ctx)
	if !s.apply(gen, q, tasks, err) {
		return ErrClosed
	}
	return err
}

// Open subscribes to the queue's stream. If a handle is already held, or
// being opened, Open does nothing. The stream lives until Close, a
// transport failure or cancellation of ctx.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.handle != nil || s.opening {
		s.mu.Unlock()
		return nil
	}
	s.opening = true
	gen, genCtx := s.gen, s.ctx
	s.mu.Unlock()

	connCtx, closeConn := context.WithCancel(ctx)
	stop := context.AfterFunc(genCtx, closeConn)

	st, err := s.streamer.Open(connCtx, s.queueID)

	s.mu.Lock()
	if s.gen == gen {
		s.opening = false
	}
	if err != nil {
		stop()
		closeConn()
		terr := &TransportError{QueueID: s.queueID, Err: err}
		if s.gen == gen {
			s.err = terr
		}
		s.mu.Unlock()
		return terr
	}
	if s.gen != gen {
		s.mu.Unlock()
		stop()
		closeConn()
		st.Close()
		return ErrClosed
	}
	s.handle = st
	s.closeConn = func() { stop(); closeConn() }
	s.err = nil
	s.mu.Unlock()

	s.log.Debug("stream opened")
	go s.receiveLoop(gen, st)
	s.emitChange(gen)
	return nil
}

// Close tears the session down: it releases the stream handle, cancels
// in-flight fetches and waits for any running callback. No callback starts
// after Close returns. Close is idempotent; the session may be loaded and
// opened again afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	handle, closeConn := s.handle, s.closeConn
	s.handle, s.closeConn = nil, nil
	s.opening = false
	s.fetching, s.pending = false, false
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if closeConn != nil {
		closeConn()
	}
	// Wait out a callback that checked the old generation.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// IsStreaming reports whether a stream handle is held.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Queue returns the last fetched queue, or nil before the first load.
func (s *Session) Queue() *queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Tasks returns the last fetched task list.
func (s *Session) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Task(nil), s.tasks...)
}

// Notifications returns up to NotificationLimit recent records, newest first.
func (s *Session) Notifications() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Record(nil), s.notes...)
}

// Board groups the current tasks into columns.
func (s *Session) Board() board.Board {
	return board.Group(s.Tasks())
}

// Err returns the most recent error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	tasks := append([]task.Task(nil), s.tasks...)
	return State{
		Queue:         s.queue,
		Tasks:         tasks,
		Notifications: append([]event.Record(nil), s.notes...),
		Board:         board.Group(tasks),
		Streaming:     s.handle != nil,
		Err:           s.err,
	}
}

func (s *Session) receiveLoop(gen uint64, st Stream) {
	for rec := range st.Events() {
		s.receive(gen, rec)
	}
	s.streamEnded(gen, st)
}

// receive buffers one record and, for state-affecting types, re-fetches.
func (s *Session) receive(gen uint64, rec event.Record) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	notes := make([]event.Record, 0, NotificationLimit)
	notes = append(notes, rec)
	notes = append(notes, s.notes...)
	if len(notes) > NotificationLimit {
		notes = notes[:NotificationLimit]
	}
	s.notes = notes
	refetch := s.refetchOn[rec.Type]
	s.mu.Unlock()

	s.emitChange(gen)
	if refetch {
		s.refetch(gen)
	}
}

func (s *Session) streamEnded(gen uint64, st Stream) {
	cause := st.Err()
	if cause == nil {
		cause = ErrStreamEnded
	}
	s.mu.Lock()
	if s.gen != gen || s.handle != st {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	if s.closeConn != nil {
		s.closeConn()
		s.closeConn = nil
	}
	terr := &TransportError{QueueID: s.queueID, Err: cause}
	s.err = terr
	s.mu.Unlock()

	s.log.WithError(cause).Warn("stream lost")
	s.emitError(gen, terr)
	s.emitChange(gen)
}

// refetch starts a re-fetch, or marks one pending if one is in flight.
func (s *Session) refetch(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.fetching {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.fetching = true
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		for {
			q, tasks, err := s.fetch(ctx)
			if !s.apply(gen, q, tasks, err) {
				return
			}
			if err != nil {
				s.emitError(gen, err)
			}
			s.emitChange(gen)

			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			if !s.pending {
				s.fetching = false
				s.mu.Unlock()
				return
			}
			s.pending = false
			s.mu.Unlock()
		}
	}()
}

func (s *Session) fetch(ctx context.Context) (*queue.Queue, []task.Task, error) {
	q, err := s.fetcher.GetQueue(ctx, s.queueID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.fetcher.ListTasks(ctx, s.queueID, task.Filter{})
	if err != nil {
		return nil, nil, err
	}
	return q, tasks, nil
}

// apply installs a fetch result if gen is still current. It reports whether
// the session is still on gen.
func (s *Session) apply(gen uint64, q *queue.Queue, tasks []task.Task, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.err = err
		}
		return true
	}
	s.queue = q
	s.tasks = tasks
	// A dropped stream stays reported until the next Open.
	var terr *TransportError
	if !errors.As(s.err, &terr) {
		s.err = nil
	}
	return true
}

func (s *Session) emitChange(gen uint64) {
	if s.onChange == nil {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked()
	s.mu.Unlock()
	s.onChange(st)
}

func (s *Session) emitError(gen uint64, err error) {
	if s.onError == nil {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if current {
		s.onError(err)
	}
}
