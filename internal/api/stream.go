package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"queueboard/pkg/event"
	"queueboard/pkg/stream"
)

// handleQueueStream serves a queue's records as server-sent events. The
// recent history is sent first, then live records. Each event carries the
// record's Seq as its id so a reconnect can resume with Last-Event-ID or
// ?after=.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}
	if _, err := s.svc.GetQueue(ctx, queueID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	after := queryInt64(r, "after")
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			after = n
		}
	}
	sub, err := s.hub.Open(ctx, queueID, stream.WithAfter(after))
	if err != nil {
		s.log.WithError(err).WithField("queue", queueID).Error("open stream")
		writeError(w, 503, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.log.WithFields(log.Fields{"queue": queueID, "backlog": sub.Backlog()})
	logger.Debug("stream client connected")
	defer logger.Debug("stream client disconnected")

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					data, _ := json.Marshal(map[string]string{"error": err.Error()})
					fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
					flusher.Flush()
				}
				return
			}
			if err := writeEvent(w, rec); err != nil {
				logger.WithError(err).Debug("stream write failed")
				return
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Type, data)
	return err
}
