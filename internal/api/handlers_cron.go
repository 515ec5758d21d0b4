package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"opsched/internal/store"
	"opsched/internal/trigger"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 10
)

// cronPreviewRequest names either a bare expression or a stored template. A
// template preview also reports the deadline each spawned task would get.
type cronPreviewRequest struct {
	Expr       string `json:"expr,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Now        string `json:"now,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type spawnPreview struct {
	SpawnAt  string `json:"spawn_at"`
	Deadline string `json:"deadline"`
}

type cronPreviewResponse struct {
	Valid      bool           `json:"valid"`
	TemplateID string         `json:"template_id,omitempty"`
	Paused     bool           `json:"paused,omitempty"`
	NextTimes  []string       `json:"next_times,omitempty"`
	Spawns     []spawnPreview `json:"spawns,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}

	var (
		expr = strings.TrimSpace(req.Expr)
		tpl  *trigger.Template
	)
	if id := strings.TrimSpace(req.TemplateID); id != "" {
		var err error
		tpl, err = s.store.GetTemplate(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrTemplateNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "template not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		expr = tpl.Cron
	}
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "cron expression or template_id is required"})
		return
	}
	schedule, err := trigger.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > maxPreviewCount {
		count = defaultPreviewCount
	}
	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	resp := cronPreviewResponse{Valid: true}
	for _, at := range trigger.NextOccurrences(schedule, base, count) {
		resp.NextTimes = append(resp.NextTimes, at.UTC().Format(time.RFC3339))
		if tpl != nil {
			resp.Spawns = append(resp.Spawns, spawnPreview{
				SpawnAt:  at.UTC().Format(time.RFC3339),
				Deadline: at.Add(s.factory.DeadlineAfter(tpl.DeadlineAfter)).UTC().Format(time.RFC3339),
			})
		}
	}
	if tpl != nil {
		resp.TemplateID = tpl.ID
		resp.Paused = tpl.Paused
	}
	writeJSON(w, http.StatusOK, resp)
}
