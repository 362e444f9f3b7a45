// Package client is the HTTP client for the queueboard API. It satisfies
// watch.Fetcher and watch.Streamer, so a watch.Session can run against a
// remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"queueboard/pkg/board"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/task"
	"queueboard/pkg/watch"
)

// DefaultTimeout bounds non-streaming requests.
const DefaultTimeout = 10 * time.Second

// Client talks to one queueboard server.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	log     log.FieldLogger
}

var (
	_ watch.Fetcher  = (*Client)(nil)
	_ watch.Streamer = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for plain requests. Streams use
// the same transport without a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the timeout for non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stream = &http.Client{Transport: c.http.Transport}
	c.log = c.log.WithField("component", "client")
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any, notFound error) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp, notFound)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, nil, nil)
}

// Status returns the server's counters.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, "GET", "/api/status", nil, &out, nil)
	return out, err
}

// Transitions returns the server's transition table.
func (c *Client) Transitions(ctx context.Context) (map[task.Status][]task.Status, error) {
	var out map[task.Status][]task.Status
	err := c.do(ctx, "GET", "/api/transitions", nil, &out, nil)
	return out, err
}

// --- Queues ---

// CreateQueue creates a queue.
func (c *Client) CreateQueue(ctx context.Context, name, description string) (*queue.Queue, error) {
	var q queue.Queue
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, "POST", "/api/queues", body, &q, nil); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueue returns one queue with its task counts.
func (c *Client) GetQueue(ctx context.Context, id string) (*queue.Queue, error) {
	var q queue.Queue
	if err := c.do(ctx, "GET", "/api/queues/"+url.PathEscape(id), nil, &q, queue.ErrNotFound); err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueues lists queues; an empty status lists all.
func (c *Client) ListQueues(ctx context.Context, status queue.Status, limit int) ([]queue.Queue, error) {
	v := url.Values{}
	if status != "" {
		v.Set("status", string(status))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var qs []queue.Queue
	err := c.do(ctx, "GET", "/api/queues"+encode(v), nil, &qs, nil)
	return qs, err
}

// UpdateQueue edits a queue.
func (c *Client) UpdateQueue(ctx context.Context, id string, f queue.Fields) (*queue.Queue, error) {
	var q queue.Queue
	if err := c.do(ctx, "PATCH", "/api/queues/"+url.PathEscape(id), f, &q, queue.ErrNotFound); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueueFeed pages through a queue's records after the given Seq.
func (c *Client) GetQueueFeed(ctx context.Context, queueID string, after int64, limit int) (event.Feed, error) {
	var f event.Feed
	err := c.do(ctx, "GET", "/api/queues/"+url.PathEscape(queueID)+"/feed"+feedQuery(after, limit), nil, &f, queue.ErrNotFound)
	return f, err
}

// Board returns the server-side column grouping of a queue.
func (c *Client) Board(ctx context.Context, queueID string) (board.Board, error) {
	var b board.Board
	err := c.do(ctx, "GET", "/api/queues/"+url.PathEscape(queueID)+"/board", nil, &b, queue.ErrNotFound)
	return b, err
}

// --- Tasks ---

// CreateTask adds a pending task to a queue.
func (c *Client) CreateTask(ctx context.Context, queueID string, d task.Draft) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, "POST", "/api/queues/"+url.PathEscape(queueID)+"/tasks", d, &t, queue.ErrNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns a queue's tasks.
func (c *Client) ListTasks(ctx context.Context, queueID string, f task.Filter) ([]task.Task, error) {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", string(f.Status))
	}
	if f.Assignee != "" {
		v.Set("assignee", f.Assignee)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	var tasks []task.Task
	err := c.do(ctx, "GET", "/api/queues/"+url.PathEscape(queueID)+"/tasks"+encode(v), nil, &tasks, queue.ErrNotFound)
	return tasks, err
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, "GET", taskPath(id, ""), nil, &t, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask edits a task's fields. Status is changed only by
// UpdateTaskStatus.
func (c *Client) UpdateTask(ctx context.Context, id string, f task.Fields) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, "PATCH", taskPath(id, ""), f, &t, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskStatus requests a status transition. A rejected transition
// unwraps to *task.InvalidTransitionError.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, to task.Status, persona, notes string) (*task.Task, error) {
	var t task.Task
	body := map[string]string{"status": string(to), "persona": persona, "notes": notes}
	if err := c.do(ctx, "POST", taskPath(id, "/status"), body, &t, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// AssignComplexity records a 1-5 estimate.
func (c *Client) AssignComplexity(ctx context.Context, id string, complexity int, notes, persona string) (*task.Task, error) {
	var t task.Task
	body := map[string]any{"complexity": complexity, "notes": notes, "persona": persona}
	if err := c.do(ctx, "POST", taskPath(id, "/complexity"), body, &t, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// AddTaskMessage posts a message to a task's feed.
func (c *Client) AddTaskMessage(ctx context.Context, id, body, authorRole string) (*event.Record, error) {
	var rec event.Record
	req := map[string]string{"message": body, "author_role": authorRole}
	if err := c.do(ctx, "POST", taskPath(id, "/messages"), req, &rec, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddTaskArtifact links an artifact to a task.
func (c *Client) AddTaskArtifact(ctx context.Context, id string, a task.Artifact) (*task.Artifact, error) {
	var out task.Artifact
	if err := c.do(ctx, "POST", taskPath(id, "/artifacts"), a, &out, task.ErrNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTaskArtifacts returns a task's artifacts, newest first.
func (c *Client) ListTaskArtifacts(ctx context.Context, id string) ([]task.Artifact, error) {
	var out []task.Artifact
	err := c.do(ctx, "GET", taskPath(id, "/artifacts"), nil, &out, task.ErrNotFound)
	return out, err
}

// GetTaskFeed pages through a task's records after the given Seq.
func (c *Client) GetTaskFeed(ctx context.Context, id string, after int64, limit int) (event.Feed, error) {
	var f event.Feed
	err := c.do(ctx, "GET", taskPath(id, "/feed")+feedQuery(after, limit), nil, &f, task.ErrNotFound)
	return f, err
}

func taskPath(id, suffix string) string {
	return "/api/tasks/" + url.PathEscape(id) + suffix
}

func feedQuery(after int64, limit int) string {
	v := url.Values{}
	if after > 0 {
		v.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	return encode(v)
}

func encode(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// IsNotFound reports whether err is a 404 from the server or a local
// not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, queue.ErrNotFound) || errors.Is(err, task.ErrNotFound)
}
