package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	Type string
	Data string
	ID   string
}

// sseDecoder reads frames from an event stream. Comment lines are skipped.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseDecoder{scanner: sc}
}

// Decode returns the next frame, or io.EOF when the stream ends cleanly.
func (d *sseDecoder) Decode() (*sseEvent, error) {
	ev := &sseEvent{}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if ev.Data != "" || ev.Type != "" {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += value
		case "id":
			ev.ID = value
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if ev.Data != "" || ev.Type != "" {
		return ev, nil
	}
	return nil, io.EOF
}
