package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campaignd/internal/core"
	"campaignd/internal/store"

	"github.com/go-chi/chi/v5"
)

const logFollowInterval = 500 * time.Millisecond

type runResponse struct {
	ID            string          `json:"id"`
	CampaignID    string          `json:"campaign_id"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"`
	StartedAt     string          `json:"started_at"`
	FinishedAt    *string         `json:"finished_at"`
	LogPath       string          `json:"log_path"`
	ArtifactsPath string          `json:"artifacts_path"`
	ResultJSON    json.RawMessage `json:"result_json,omitempty"`
}

type dashboardRunResponse struct {
	RunID         string  `json:"run_id"`
	CampaignID    string  `json:"campaign_id"`
	CampaignName  *string `json:"campaign_name"`
	CustomerID    string  `json:"customer_id"`
	CustomerName  string  `json:"customer_name"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at"`
	ArtifactsPath string  `json:"artifacts_path"`
	HasLog        bool    `json:"has_log"`
	HasResult     bool    `json:"has_result"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.store.ListRuns(r.Context(),
		q.Get("campaign_id"),
		parseIntDefault(q.Get("limit"), 200),
		parseIntDefault(q.Get("offset"), 0),
	)
	if err != nil {
		s.writeCoreError(w, "list runs", err)
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		item := runToResponse(run)
		item.ResultJSON = nil
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeCoreError(w, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeCoreError(w, "load run", err)
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	file, err := os.Open(run.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("read log", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	data = core.TailLines(data, tail)

	if !follow {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		if data[len(data)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(logFollowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !run.Status.Terminal() {
				if refreshed, err := s.store.GetRun(r.Context(), runID); err == nil {
					run = refreshed
				}
			}
			if run.Status.Terminal() && pos == offset {
				return
			}
		}
	}
}

func (s *Server) handleDeliveryLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeCoreError(w, "load run", err)
		return
	}
	path := core.DeliveryLogPath(run.ArtifactsPath)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "delivery log not found")
		} else {
			s.logger.Error("open delivery log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read delivery log")
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.logger.Error("stat delivery log", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read delivery log")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+"_"+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), file)
}

func (s *Server) handleDashboardRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.store.ListDashboardRuns(r.Context(), store.DashboardFilter{
		CustomerID: q.Get("customer_id"),
		Status:     core.RunStatus(q.Get("status")),
		Query:      strings.TrimSpace(q.Get("q")),
		Limit:      parseIntDefault(q.Get("limit"), 200),
	})
	if err != nil {
		s.writeCoreError(w, "list dashboard runs", err)
		return
	}
	resp := make([]dashboardRunResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, dashboardRunResponse{
			RunID:         item.Run.ID,
			CampaignID:    item.Run.CampaignID,
			CampaignName:  item.CampaignName,
			CustomerID:    item.CustomerID,
			CustomerName:  item.CustomerName,
			Status:        string(item.Run.Status),
			StartedAt:     formatTime(item.Run.StartedAt),
			FinishedAt:    formatTimePtr(item.Run.FinishedAt),
			ArtifactsPath: item.Run.ArtifactsPath,
			HasLog:        item.Run.LogPath != "",
			HasResult:     item.Run.ArtifactsPath != "",
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func runToResponse(run *core.RunRecord) runResponse {
	resp := runResponse{
		ID:            run.ID,
		CampaignID:    run.CampaignID,
		Mode:          string(run.Mode),
		Status:        string(run.Status),
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTimePtr(run.FinishedAt),
		LogPath:       run.LogPath,
		ArtifactsPath: run.ArtifactsPath,
	}
	if run.Result != nil {
		resp.ResultJSON = run.Result.Marshal()
	}
	return resp
}
