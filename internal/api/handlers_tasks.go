package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"opsched/internal/kinds"
	"opsched/internal/sched"
	"opsched/internal/store"
)

const maxSnapshotBytes = 16 << 20

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []*sched.Task
	if scheduled, _ := strconv.ParseBool(r.URL.Query().Get("scheduled")); scheduled {
		tasks = s.scheduler.GetScheduledTasks()
	} else {
		tasks = s.scheduler.Tasks()
	}
	res := make([]sched.Info, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, t.Info())
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req kinds.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.factory.Create(req)
	if err != nil && task == nil {
		s.writeTaskError(w, err, "create task")
		return
	}
	if err != nil {
		// Prepared but the start was refused; report the task anyway.
		s.logger.Warn("start new task", "task_id", task.ID(), "err", err)
	}
	writeJSON(w, http.StatusCreated, task.Info())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task.Info())
}

func (s *Server) handleLifecycle(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.lookupTask(w, r)
		if !ok {
			return
		}
		var err error
		switch verb {
		case "start":
			err = task.Start()
		case "pause":
			err = task.Pause()
		case "continue":
			err = task.Continue()
		case "stop":
			err = task.Stop()
		}
		if err != nil {
			s.writeTaskError(w, err, verb+" task")
			return
		}
		writeJSON(w, http.StatusAccepted, task.Info())
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	payload, err := task.Serialize()
	if err != nil {
		s.writeTaskError(w, err, "serialize task")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleRestoreTask(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read snapshot")
		return
	}
	if !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.factory.Restore(payload)
	if err != nil {
		s.writeTaskError(w, err, "restore task")
		return
	}
	writeJSON(w, http.StatusCreated, task.Info())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	entries, err := s.store.ListHistory(r.Context(), taskID, limit)
	if err != nil {
		s.logger.Error("list history", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}
	if len(entries) == 0 {
		if _, known := s.scheduler.Task(taskID); !known {
			if _, err := s.store.GetSnapshot(r.Context(), taskID); errors.Is(err, store.ErrSnapshotNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "task not found")
				return
			}
		}
	}
	if entries == nil {
		entries = []*store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*sched.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.scheduler.Task(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return nil, false
	}
	return task, true
}

// writeTaskError maps scheduler and factory errors onto HTTP statuses.
func (s *Server) writeTaskError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, sched.ErrInvalidTransition), errors.Is(err, sched.ErrNotEnqueueable), errors.Is(err, sched.ErrDuplicateTask):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, kinds.ErrInvalidRequest), errors.Is(err, sched.ErrUnknownKind),
		errors.Is(err, sched.ErrDeadlinePassed), errors.Is(err, sched.ErrInvalidCores), errors.Is(err, sched.ErrNilSettings):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, sched.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error(action, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
