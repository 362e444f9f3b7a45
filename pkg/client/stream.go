package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/watch"
)

// ErrServerClosed is reported when the server ends a stream with an error
// frame, for example after dropping a slow consumer.
var ErrServerClosed = errors.New("server closed stream")

// Stream is an open SSE connection to one queue.
type Stream struct {
	events chan event.Record
	body   io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closed  bool
	lastSeq int64
}

// Open connects to a queue's event stream. The server sends the recent
// history first and then live records.
func (c *Client) Open(ctx context.Context, queueID string) (watch.Stream, error) {
	s, err := c.OpenAfter(ctx, queueID, 0)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenAfter is Open with a resume point: only records with Seq greater
// than after are sent.
func (c *Client) OpenAfter(ctx context.Context, queueID string, after int64) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	path := "/api/queues/" + url.PathEscape(queueID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp, queue.ErrNotFound)
	}

	s := &Stream{
		events:  make(chan event.Record, 16),
		body:    resp.Body,
		cancel:  cancel,
		done:    make(chan struct{}),
		lastSeq: after,
	}
	c.log.WithField("queue", queueID).Debug("stream connected")
	go s.read(ctx)
	return s, nil
}

// Events returns the record channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan event.Record { return s.events }

// Err reports why the stream ended. It is nil while open and after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastSeq returns the Seq of the last delivered record.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Close drops the connection and waits for the reader to exit.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.body.Close()
	<-s.done
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.body.Close()

	dec := newSSEDecoder(s.body)
	for {
		ev, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.finish(err)
			return
		}
		if ev.Type == "error" {
			var body struct {
				Error string `json:"error"`
			}
			reason := ev.Data
			if err := json.Unmarshal([]byte(ev.Data), &body); err == nil && body.Error != "" {
				reason = body.Error
			}
			s.finish(fmt.Errorf("%w: %s", ErrServerClosed, reason))
			return
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(ev.Data), &rec); err != nil {
			s.finish(fmt.Errorf("decode record: %w", err))
			return
		}
		select {
		case s.events <- rec:
			s.mu.Lock()
			s.lastSeq = rec.Seq
			s.mu.Unlock()
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
}

// finish records the terminal error unless the stream was closed locally.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
}
