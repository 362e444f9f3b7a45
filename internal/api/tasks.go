package api

import (
	"net/http"

	"queueboard/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Status:   task.Status(q.Get("status")),
		Assignee: q.Get("assignee"),
		Limit:    queryInt(r, "limit", task.DefaultListLimit),
	}
	tasks, err := s.svc.ListTasks(r.Context(), r.PathValue("id"), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var d task.Draft
	if !decodeJSON(w, r, &d) {
		return
	}
	t, err := s.svc.CreateTask(r.Context(), r.PathValue("id"), d)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var f task.Fields
	if !decodeJSON(w, r, &f) {
		return
	}
	t, err := s.svc.UpdateTask(r.Context(), r.PathValue("id"), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  task.Status `json:"status"`
		Persona string      `json:"persona"`
		Notes   string      `json:"notes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.UpdateTaskStatus(r.Context(), r.PathValue("id"), req.Status, req.Persona, req.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskComplexity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Complexity int    `json:"complexity"`
		Notes      string `json:"notes"`
		Persona    string `json:"persona"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.svc.AssignComplexity(r.Context(), r.PathValue("id"), req.Complexity, req.Notes, req.Persona)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message    string `json:"message"`
		AuthorRole string `json:"author_role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.svc.AddTaskMessage(r.Context(), r.PathValue("id"), req.Message, req.AuthorRole)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 201, rec)
}

func (s *Server) handleTaskFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := s.svc.GetTaskFeed(r.Context(), r.PathValue("id"), queryInt64(r, "after"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, feed)
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	arts, err := s.svc.ListTaskArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, arts)
}

func (s *Server) handleArtifactCreate(w http.ResponseWriter, r *http.Request) {
	var a task.Artifact
	if !decodeJSON(w, r, &a) {
		return
	}
	saved, err := s.svc.AddTaskArtifact(r.Context(), r.PathValue("id"), a)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 201, saved)
}
