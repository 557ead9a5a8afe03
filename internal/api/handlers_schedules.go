package api

import (
	"net/http"
	"time"

	"campaignd/internal/core"

	"github.com/go-chi/chi/v5"
)

type scheduledRunResponse struct {
	ID           string  `json:"id"`
	CampaignID   string  `json:"campaign_id"`
	RunAt        string  `json:"run_at"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	LastRunID    *string `json:"last_run_id"`
	HasToken     bool    `json:"has_token"`
	CustomerName *string `json:"customer_name"`
	CampaignName *string `json:"campaign_name"`
}

type rearmRequest struct {
	Token string `json:"token"`
	RunAt string `json:"run_at"`
}

func (s *Server) handleListScheduledRuns(w http.ResponseWriter, r *http.Request) {
	var status *core.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := core.JobStatus(raw)
		status = &st
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), core.MaxScheduledJobList)

	jobs, err := s.schedules.List(r.Context(), status, limit)
	if err != nil {
		s.writeCoreError(w, "list scheduled runs", err)
		return
	}
	resp := make([]scheduledRunResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, scheduledRunToResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetScheduledRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedules.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeCoreError(w, "load scheduled run", err)
		return
	}
	writeJSON(w, http.StatusOK, scheduledRunToResponse(job))
}

func (s *Server) handleCancelScheduledRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedules.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeCoreError(w, "cancel scheduled run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": job.Status})
}

func (s *Server) handleRearmScheduledRun(w http.ResponseWriter, r *http.Request) {
	var req rearmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var runAt *time.Time
	if req.RunAt != "" {
		parsed, err := core.ParseRunAt(req.RunAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_run_at", err.Error())
			return
		}
		runAt = &parsed
	}
	job, err := s.schedules.Rearm(r.Context(), chi.URLParam(r, "jobID"), req.Token, runAt)
	if err != nil {
		s.writeCoreError(w, "rearm scheduled run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"status":  job.Status,
		"run_at":  formatTime(job.RunAt),
		"message": "Token saved for this scheduled run; it will execute when due.",
	})
}

func scheduledRunToResponse(job *core.ScheduledJob) scheduledRunResponse {
	return scheduledRunResponse{
		ID:           job.ID,
		CampaignID:   job.CampaignID,
		RunAt:        formatTime(job.RunAt),
		Status:       string(job.Status),
		CreatedAt:    formatTime(job.CreatedAt),
		UpdatedAt:    formatTime(job.UpdatedAt),
		LastRunID:    job.LastRunID,
		HasToken:     job.HasCredential(),
		CustomerName: job.CustomerName,
		CampaignName: job.CampaignName,
	}
}
