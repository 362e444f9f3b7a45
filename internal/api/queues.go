package api

import (
	"net/http"

	"queueboard/pkg/queue"
)

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	qs, err := s.svc.ListQueues(r.Context(), status, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, qs)
}

func (s *Server) handleQueueCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := s.svc.CreateQueue(r.Context(), req.Name, req.Description)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 201, q)
}

func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.GetQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, q)
}

func (s *Server) handleQueueUpdate(w http.ResponseWriter, r *http.Request) {
	var f queue.Fields
	if !decodeJSON(w, r, &f) {
		return
	}
	q, err := s.svc.UpdateQueue(r.Context(), r.PathValue("id"), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, q)
}

func (s *Server) handleQueueFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := s.svc.GetQueueFeed(r.Context(), r.PathValue("id"), queryInt64(r, "after"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, feed)
}

func (s *Server) handleQueueBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Board(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, b)
}
