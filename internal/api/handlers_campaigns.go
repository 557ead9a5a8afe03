package api

import (
	"context"
	"net/http"

	"campaignd/internal/core"

	"github.com/go-chi/chi/v5"
)

type sendRequest struct {
	Token      string `json:"token"`
	TestNumber string `json:"test_number"`
}

type sendResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	LogURL string `json:"log_url"`
}

type scheduleRequest struct {
	RunAt string `json:"run_at"`
	Token string `json:"token"`
}

type scheduleResponse struct {
	ScheduledRunID string `json:"scheduled_run_id"`
	Status         string `json:"status"`
	RunAt          string `json:"run_at"`
}

func (s *Server) handleSendTest(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	s.startRun(w, r, core.RunRequest{
		CampaignID: chi.URLParam(r, "campaignID"),
		Mode:       core.ModeTestSend,
		Credential: req.Token,
		TestNumber: req.TestNumber,
	})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	s.startRun(w, r, core.RunRequest{
		CampaignID: chi.URLParam(r, "campaignID"),
		Mode:       core.ModeSend,
		Credential: req.Token,
	})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, req core.RunRequest) {
	// A send that has started is not abandoned when the client disconnects.
	run, err := s.orchestrator.StartRun(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeCoreError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		RunID:  run.ID,
		Status: string(run.Status),
		LogURL: "/api/runs/" + run.ID + "/log",
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.RunAt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_at is required")
		return
	}
	runAt, err := core.ParseRunAt(req.RunAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_run_at", err.Error())
		return
	}
	job, err := s.schedules.Schedule(r.Context(), chi.URLParam(r, "campaignID"), runAt, req.Token)
	if err != nil {
		s.writeCoreError(w, "schedule campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{
		ScheduledRunID: job.ID,
		Status:         string(job.Status),
		RunAt:          formatTime(job.RunAt),
	})
}
