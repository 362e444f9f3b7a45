package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"queueboard/pkg/task"
)

// ErrConflict matches 409 responses that are not transition rejections,
// such as a duplicate queue name.
var ErrConflict = errors.New("conflict")

// APIError is a non-2xx response. It unwraps to a typed error where the
// status allows: the caller's not-found sentinel for 404,
// *task.ValidationError for 400, *task.InvalidTransitionError or
// ErrConflict for 409.
type APIError struct {
	StatusCode int
	Message    string
	err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

type errorBody struct {
	Error         string        `json:"error"`
	Field         string        `json:"field"`
	TaskID        string        `json:"task_id"`
	From          task.Status   `json:"from"`
	To            task.Status   `json:"to"`
	Allowed       []task.Status `json:"allowed"`
	UnknownStatus bool          `json:"unknown_status"`
}

func decodeError(resp *http.Response, notFound error) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusNotFound:
		apiErr.err = notFound
	case http.StatusBadRequest:
		apiErr.err = &task.ValidationError{
			Field: body.Field,
			Msg:   strings.TrimPrefix(body.Error, body.Field+": "),
		}
	case http.StatusConflict:
		if body.From != "" {
			apiErr.err = &task.InvalidTransitionError{
				TaskID:  body.TaskID,
				From:    body.From,
				To:      body.To,
				Allowed: body.Allowed,
			}
		} else {
			apiErr.err = ErrConflict
		}
	}
	return apiErr
}
