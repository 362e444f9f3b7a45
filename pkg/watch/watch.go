// Package watch keeps one observer's view of a queue in sync with the
// queue's event stream. The stream is a notification side channel; task
// state always comes from a full re-fetch.
package watch

import (
	"context"
	"errors"
	"fmt"

	"queueboard/pkg/board"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

// NotificationLimit is the size of the recent-notification buffer.
const NotificationLimit = 10

// DefaultRefetchOn lists the event types that trigger a re-fetch.
var DefaultRefetchOn = []event.Type{event.TaskCreated, event.StatusChanged}

var (
	// ErrClosed is returned when a Load or Open result is discarded because
	// the session was closed while it was in flight.
	ErrClosed = errors.New("watch: session closed")
	// ErrStreamEnded is the cause of a TransportError when the server ended
	// the stream without an error of its own.
	ErrStreamEnded = errors.New("stream ended")
)

// Fetcher reads authoritative queue state.
type Fetcher interface {
	GetQueue(ctx context.Context, id string) (*queue.Queue, error)
	ListTasks(ctx context.Context, queueID string, f task.Filter) ([]task.Task, error)
}

// Stream is an open subscription handle. Events is closed when the stream
// ends; Err then reports why.
type Stream interface {
	Events() <-chan event.Record
	Err() error
	Close()
}

// Streamer opens a queue's event stream.
type Streamer interface {
	Open(ctx context.Context, queueID string) (Stream, error)
}

// TransportError reports a failed or dropped stream connection.
type TransportError struct {
	QueueID string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream for queue %s: %v", e.QueueID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// State is a snapshot of a session.
type State struct {
	Queue         *queue.Queue
	Tasks         []task.Task
	Notifications []event.Record // newest first
	Board         board.Board
	Streaming     bool
	Err           error
}

// HubStreamer adapts an in-process hub to Streamer.
func HubStreamer(h *stream.Hub) Streamer { return hubStreamer{hub: h} }

type hubStreamer struct{ hub *stream.Hub }

func (h hubStreamer) Open(ctx context.Context, queueID string) (Stream, error) {
	sub, err := h.hub.Open(ctx, queueID)
	if err != nil {
		return nil, err
	}
	return &hubStream{
		Subscription: sub,
		ctx:          ctx,
		stop:         context.AfterFunc(ctx, sub.Close),
	}, nil
}

// hubStream ends its subscription when the opening context is done.
type hubStream struct {
	*stream.Subscription
	ctx  context.Context
	stop func() bool
}

func (s *hubStream) Err() error {
	if err := s.Subscription.Err(); err != nil {
		return err
	}
	return s.ctx.Err()
}

func (s *hubStream) Close() {
	s.stop()
	s.Subscription.Close()
}
