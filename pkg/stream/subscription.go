package stream

import "queueboard/pkg/event"

// Subscription is a live binding to one queue's records. Records arrive on
// Events in Seq order; the channel is closed when the subscription ends.
type Subscription struct {
	hub     *Hub
	topic   *topic
	ch      chan event.Record
	backlog int

	// guarded by topic.mu
	closed bool
	err    error
}

// OpenOption configures Hub.Open.
type OpenOption func(*openOptions)

type openOptions struct {
	after int64
}

// WithAfter limits the backlog to records with Seq greater than seq, for
// resuming after a reconnect.
func WithAfter(seq int64) OpenOption {
	return func(o *openOptions) { o.after = seq }
}

// Events returns the record channel.
func (s *Subscription) Events() <-chan event.Record { return s.ch }

// QueueID returns the subscribed queue.
func (s *Subscription) QueueID() string { return s.topic.queueID }

// Backlog returns how many history records were queued at open.
func (s *Subscription) Backlog() int { return s.backlog }

// Err returns why the subscription ended: nil while open or after Close,
// ErrSlowConsumer or ErrClosed otherwise.
func (s *Subscription) Err() error {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is safe to call more than once and
// from any goroutine; nothing is delivered after it returns.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	s.topic.terminate(s, nil)
	s.topic.mu.Unlock()
	s.hub.release(s.topic)
}
