package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"campaignd/internal/core"
)

const maxJSONBody = 1 << 20

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

// decodeJSON reads an optional JSON object body into dst. An empty body is
// treated as an empty object.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeCoreError maps a core sentinel onto an HTTP status. Anything
// unrecognized is logged and reported as an internal error.
func (s *Server) writeCoreError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, core.ErrCampaignNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrMissingDependency):
		writeError(w, http.StatusBadRequest, "missing_dependency", err.Error())
	case errors.Is(err, core.ErrCredentialRequired),
		errors.Is(err, core.ErrInvalidMode),
		errors.Is(err, core.ErrEmptyMessage),
		errors.Is(err, core.ErrInvalidMediaType):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, core.ErrCampaignBusy):
		writeError(w, http.StatusConflict, "campaign_busy", err.Error())
	case errors.Is(err, core.ErrJobRunning):
		writeError(w, http.StatusConflict, "job_running", err.Error())
	case errors.Is(err, core.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job_terminal", err.Error())
	case errors.Is(err, core.ErrOrchestration):
		s.logger.Error(action, "err", err)
		writeError(w, http.StatusInternalServerError, "orchestration_failed", err.Error())
	default:
		s.logger.Error(action, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
