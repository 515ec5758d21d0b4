package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"opsched/internal/sched"
	"opsched/internal/store"
	"opsched/internal/trigger"
)

type createTemplateRequest struct {
	Name           string          `json:"name"`
	Kind           sched.Kind      `json:"kind"`
	Cron           string          `json:"cron"`
	Priority       int             `json:"priority"`
	DeadlineAfter  string          `json:"deadline_after,omitempty"`
	MaxRunDuration string          `json:"max_run_duration,omitempty"`
	MaxCores       int             `json:"max_cores,omitempty"`
	Parallelize    bool            `json:"parallelize,omitempty"`
	Resources      []string        `json:"resources,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Paused         bool            `json:"paused"`
}

type updateTemplateRequest struct {
	Name           *string          `json:"name"`
	Cron           *string          `json:"cron"`
	Priority       *int             `json:"priority"`
	DeadlineAfter  *string          `json:"deadline_after"`
	MaxRunDuration *string          `json:"max_run_duration"`
	MaxCores       *int             `json:"max_cores"`
	Parallelize    *bool            `json:"parallelize"`
	Resources      *[]string        `json:"resources"`
	Params         *json.RawMessage `json:"params"`
	Paused         *bool            `json:"paused"`
}

type templateResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           sched.Kind      `json:"kind"`
	Cron           string          `json:"cron"`
	Priority       int             `json:"priority"`
	DeadlineAfter  string          `json:"deadline_after,omitempty"`
	MaxRunDuration string          `json:"max_run_duration,omitempty"`
	MaxCores       int             `json:"max_cores,omitempty"`
	Parallelize    bool            `json:"parallelize"`
	Resources      []string        `json:"resources"`
	Params         json.RawMessage `json:"params,omitempty"`
	Paused         bool            `json:"paused"`
	LastSpawnedAt  *string         `json:"last_spawned_at,omitempty"`
	NextSpawnAt    *string         `json:"next_spawn_at,omitempty"`
	LastTaskID     *string         `json:"last_task_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown task kind")
		return
	}
	req.Cron = strings.TrimSpace(req.Cron)
	if _, err := trigger.ParseCron(req.Cron); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	deadlineAfter, err := parseDurationField("deadline_after", req.DeadlineAfter)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	maxRun, err := parseDurationField("max_run_duration", req.MaxRunDuration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.MaxCores < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "max_cores must be non-negative")
		return
	}

	tpl := &trigger.Template{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		Kind:           req.Kind,
		Cron:           req.Cron,
		Priority:       req.Priority,
		DeadlineAfter:  deadlineAfter,
		MaxRunDuration: maxRun,
		MaxCores:       req.MaxCores,
		Parallelize:    req.Parallelize,
		Resources:      req.Resources,
		Params:         req.Params,
		Paused:         req.Paused,
	}
	if err := s.store.InsertTemplate(r.Context(), tpl); err != nil {
		s.logger.Error("insert template", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert template")
		return
	}
	s.reschedule(r, tpl)
	writeJSON(w, http.StatusCreated, templateToResponse(tpl))
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		s.logger.Error("list templates", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list templates")
		return
	}
	res := make([]templateResponse, 0, len(templates))
	for _, tpl := range templates {
		res = append(res, templateToResponse(tpl))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.lookupTemplate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, templateToResponse(tpl))
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.lookupTemplate(w, r)
	if !ok {
		return
	}
	var req updateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		tpl.Name = strings.TrimSpace(*req.Name)
	}
	if req.Cron != nil {
		cronExpr := strings.TrimSpace(*req.Cron)
		if _, err := trigger.ParseCron(cronExpr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
		tpl.Cron = cronExpr
	}
	if req.Priority != nil {
		tpl.Priority = *req.Priority
	}
	if req.DeadlineAfter != nil {
		d, err := parseDurationField("deadline_after", *req.DeadlineAfter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		tpl.DeadlineAfter = d
	}
	if req.MaxRunDuration != nil {
		d, err := parseDurationField("max_run_duration", *req.MaxRunDuration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		tpl.MaxRunDuration = d
	}
	if req.MaxCores != nil {
		if *req.MaxCores < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "max_cores must be non-negative")
			return
		}
		tpl.MaxCores = *req.MaxCores
	}
	if req.Parallelize != nil {
		tpl.Parallelize = *req.Parallelize
	}
	if req.Resources != nil {
		tpl.Resources = *req.Resources
	}
	if req.Params != nil {
		tpl.Params = *req.Params
	}
	if req.Paused != nil {
		tpl.Paused = *req.Paused
	}

	if err := s.store.UpdateTemplate(r.Context(), tpl); err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "template not found")
			return
		}
		s.logger.Error("update template", "template_id", tpl.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update template")
		return
	}
	s.reschedule(r, tpl)
	writeJSON(w, http.StatusOK, templateToResponse(tpl))
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")
	if err := s.store.DeleteTemplate(r.Context(), templateID); err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "template not found")
		} else {
			s.logger.Error("delete template", "template_id", templateID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete template")
		}
		return
	}
	if s.spawner != nil {
		s.spawner.Remove(templateID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSpawnTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.lookupTemplate(w, r)
	if !ok {
		return
	}
	if s.spawner == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "templates are not scheduled in this mode")
		return
	}
	task, err := s.spawner.SpawnNow(r.Context(), tpl)
	if err != nil {
		if errors.Is(err, trigger.ErrStillRunning) {
			writeError(w, http.StatusConflict, "conflict", "the previous task of this template is still live")
			return
		}
		s.writeTaskError(w, err, "spawn task")
		return
	}
	writeJSON(w, http.StatusAccepted, task.Info())
}

func (s *Server) lookupTemplate(w http.ResponseWriter, r *http.Request) (*trigger.Template, bool) {
	templateID := chi.URLParam(r, "templateID")
	tpl, err := s.store.GetTemplate(r.Context(), templateID)
	if err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "template not found")
		} else {
			s.logger.Error("get template", "template_id", templateID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load template")
		}
		return nil, false
	}
	return tpl, true
}

// reschedule refreshes the cron entry of tpl and reloads it so the response
// carries the new next_spawn_at.
func (s *Server) reschedule(r *http.Request, tpl *trigger.Template) {
	if s.spawner == nil {
		return
	}
	if err := s.spawner.AddOrUpdate(r.Context(), tpl); err != nil {
		s.logger.Error("schedule template", "template_id", tpl.ID, "err", err)
		return
	}
	if fresh, err := s.store.GetTemplate(r.Context(), tpl.ID); err == nil {
		*tpl = *fresh
	}
}

func parseDurationField(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New(name + " must be a duration such as 90s or 1h")
	}
	if d < 0 {
		return 0, errors.New(name + " must be non-negative")
	}
	return d, nil
}

func templateToResponse(tpl *trigger.Template) templateResponse {
	res := templateResponse{
		ID:            tpl.ID,
		Name:          tpl.Name,
		Kind:          tpl.Kind,
		Cron:          tpl.Cron,
		Priority:      tpl.Priority,
		MaxCores:      tpl.MaxCores,
		Parallelize:   tpl.Parallelize,
		Resources:     tpl.Resources,
		Params:        tpl.Params,
		Paused:        tpl.Paused,
		LastTaskID:    tpl.LastTaskID,
		LastSpawnedAt: formatOptionalTime(tpl.LastSpawnedAt),
		NextSpawnAt:   formatOptionalTime(tpl.NextSpawnAt),
		CreatedAt:     tpl.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     tpl.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if res.Resources == nil {
		res.Resources = []string{}
	}
	if tpl.DeadlineAfter > 0 {
		res.DeadlineAfter = tpl.DeadlineAfter.String()
	}
	if tpl.MaxRunDuration > 0 {
		res.MaxRunDuration = tpl.MaxRunDuration.String()
	}
	return res
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
