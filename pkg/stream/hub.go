// Package stream fans out event records to every live subscriber of a queue.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"queueboard/pkg/event"
)

const (
	DefaultHistorySize = 50
	DefaultBufferSize  = 256
)

var (
	// ErrClosed is returned by Open after the hub has been closed, and is the
	// terminal error of subscriptions that were open at that time.
	ErrClosed = errors.New("stream: hub closed")
	// ErrSlowConsumer terminates a subscription whose buffer filled up.
	ErrSlowConsumer = errors.New("stream: subscriber too slow, subscription dropped")
)

// Publisher forwards locally appended records to other hub replicas.
type Publisher interface {
	Publish(ctx context.Context, rec event.Record) error
}

// Hub wraps an event.Store with per-queue fan-out. Append persists a record
// and then delivers it to every subscription open on the record's queue.
type Hub struct {
	store       event.Store
	log         log.FieldLogger
	historySize int
	bufferSize  int
	publisher   Publisher

	mu     sync.Mutex
	topics map[string]*topic
	closed atomic.Bool

	published atomic.Uint64
	injected  atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistorySize sets how many recent records a new subscription receives.
func WithHistorySize(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.historySize = n
		}
	}
}

// WithBufferSize sets the per-subscription channel capacity for live records.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(l log.FieldLogger) Option {
	return func(h *Hub) { h.log = l }
}

// WithPublisher forwards every appended record, typically to a Relay.
func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.publisher = p }
}

// NewHub creates a Hub over store.
func NewHub(store event.Store, opts ...Option) *Hub {
	h := &Hub{
		store:       store,
		log:         log.StandardLogger(),
		historySize: DefaultHistorySize,
		bufferSize:  DefaultBufferSize,
		topics:      make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithField("component", "stream")
	return h
}

// Store returns the underlying event store.
func (h *Hub) Store() event.Store { return h.store }

// topic is the per-queue fan-out state. Everything below mu is guarded by it.
type topic struct {
	queueID string

	mu      sync.Mutex
	removed bool
	seeded  bool
	lastSeq int64          // highest Seq delivered or seeded
	history []event.Record // oldest first, at most historySize
	subs    map[*Subscription]struct{}
}

// Append persists rec and delivers the stored record to the queue's
// subscribers. The queue's lock is held from persist through fan-out, so
// every subscriber sees the queue's records in Seq order.
func (h *Hub) Append(ctx context.Context, rec *event.Record) (*event.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	t := h.lockTopic(rec.QueueID)
	saved, err := h.store.Append(ctx, rec)
	if err != nil {
		t.mu.Unlock()
		h.release(t)
		return nil, fmt.Errorf("append %s to queue %s: %w", rec.Type, rec.QueueID, err)
	}
	h.deliver(t, *saved)
	t.mu.Unlock()
	h.release(t)
	h.published.Add(1)

	// Outside the queue lock; receiving hubs drop anything at or below
	// their last Seq.
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, *saved); err != nil {
			h.log.WithError(err).WithField("queue", saved.QueueID).Warn("relay publish failed")
		}
	}
	return saved, nil
}

// Inject delivers a record that was persisted elsewhere, such as by another
// replica. It reports whether the record was delivered; records already in
// the queue's last delivered Seq are dropped, so records only move forward.
func (h *Hub) Inject(rec event.Record) bool {
	h.mu.Lock()
	t, ok := h.topics[rec.QueueID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || !t.seeded || rec.Seq <= t.lastSeq {
		return false
	}
	h.deliver(t, rec)
	h.injected.Add(1)
	return true
}

// deliver pushes rec into history and every subscriber's channel. t.mu must
// be held.
func (h *Hub) deliver(t *topic, rec event.Record) {
	if !t.seeded || h.closed.Load() {
		return
	}
	if rec.Seq > t.lastSeq {
		t.lastSeq = rec.Seq
	}
	if h.historySize > 0 {
		t.history = append(t.history, rec)
		if over := len(t.history) - h.historySize; over > 0 {
			t.history = append(t.history[:0:0], t.history[over:]...)
		}
	}
	for sub := range t.subs {
		select {
		case sub.ch <- rec:
		default:
			h.dropped.Add(1)
			h.log.WithFields(log.Fields{"queue": t.queueID, "seq": rec.Seq}).Warn("dropping slow subscriber")
			t.terminate(sub, ErrSlowConsumer)
		}
	}
}

// Open registers a subscription on queueID. The queue's recent history,
// oldest first, is queued on the subscription's channel before any live
// record, with no gap or overlap between the two.
func (h *Hub) Open(ctx context.Context, queueID string, opts ...OpenOption) (*Subscription, error) {
	var oo openOptions
	for _, opt := range opts {
		opt(&oo)
	}
	if h.closed.Load() {
		return nil, ErrClosed
	}

	t := h.lockTopic(queueID)
	defer h.release(t)
	defer t.mu.Unlock()

	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !t.seeded {
		if err := h.seed(ctx, t); err != nil {
			return nil, err
		}
	}

	var backlog []event.Record
	for _, rec := range t.history {
		if rec.Seq > oo.after {
			backlog = append(backlog, rec)
		}
	}
	sub := &Subscription{
		hub:     h,
		topic:   t,
		ch:      make(chan event.Record, len(backlog)+h.bufferSize),
		backlog: len(backlog),
	}
	for _, rec := range backlog {
		sub.ch <- rec
	}
	t.subs[sub] = struct{}{}
	h.log.WithFields(log.Fields{"queue": queueID, "backlog": len(backlog)}).Debug("subscription opened")
	return sub, nil
}

// Close terminates every open subscription with ErrClosed. Later Appends
// still persist but deliver to nobody.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			t.terminate(sub, ErrClosed)
		}
		t.removed = true
		t.mu.Unlock()
	}
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Topics      int    `json:"topics"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Injected    uint64 `json:"injected"`
	Dropped     uint64 `json:"dropped"`
}

// Stats reports open topics and subscribers plus lifetime counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	st := Stats{
		Topics:    len(topics),
		Published: h.published.Load(),
		Injected:  h.injected.Load(),
		Dropped:   h.dropped.Load(),
	}
	for _, t := range topics {
		t.mu.Lock()
		st.Subscribers += len(t.subs)
		t.mu.Unlock()
	}
	return st
}

func (h *Hub) seed(ctx context.Context, t *topic) error {
	recent, err := h.store.Recent(ctx, t.queueID, max(h.historySize, 1))
	if err != nil {
		return fmt.Errorf("seed history for queue %s: %w", t.queueID, err)
	}
	if n := len(recent); n > 0 {
		t.lastSeq = recent[n-1].Seq
	}
	if h.historySize > 0 {
		t.history = recent
	}
	t.seeded = true
	return nil
}

// lockTopic returns the live topic for queueID with its lock held.
func (h *Hub) lockTopic(queueID string) *topic {
	for {
		h.mu.Lock()
		t, ok := h.topics[queueID]
		if !ok {
			t = &topic{queueID: queueID, subs: make(map[*Subscription]struct{})}
			h.topics[queueID] = t
		}
		h.mu.Unlock()

		t.mu.Lock()
		if !t.removed {
			return t
		}
		t.mu.Unlock()
	}
}

// release drops t from the hub once it has no subscribers. The caller must
// not hold t.mu.
func (h *Hub) release(t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || len(t.subs) > 0 {
		return
	}
	t.removed = true
	if h.topics[t.queueID] == t {
		delete(h.topics, t.queueID)
	}
}

// terminate removes sub and closes its channel. t.mu must be held.
func (t *topic) terminate(sub *Subscription, err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	delete(t.subs, sub)
	close(sub.ch)
}
