package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignd/internal/core"
)

const runColumns = `id, campaign_id, mode, status, started_at, finished_at, log_path, artifacts_path, result_json`

// InsertRun records a new running attempt unless the campaign already has one.
func (s *Store) InsertRun(ctx context.Context, run *core.RunRecord) error {
	var result any
	if run.Result != nil {
		result = string(run.Result.Marshal())
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM runs WHERE campaign_id = ? AND status = ?
		)
	`, run.ID, run.CampaignID, run.Mode, run.Status, formatTime(run.StartedAt), nullableTime(run.FinishedAt),
		run.LogPath, run.ArtifactsPath, result,
		run.CampaignID, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrCampaignBusy
	}
	return nil
}

// CompleteRun moves a running attempt to its terminal status exactly once.
func (s *Store) CompleteRun(ctx context.Context, id string, status core.RunStatus, finishedAt time.Time, result core.RunResult) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, result_json = ?
		WHERE id = ? AND status = ?
	`, status, formatTime(finishedAt), string(result.Marshal()), id, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return core.ErrRunFinalized
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.RunRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRunningRuns(ctx context.Context) ([]*core.RunRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at
	`, core.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRuns returns the most recent runs, optionally for one campaign.
func (s *Store) ListRuns(ctx context.Context, campaignID string, limit, offset int) ([]*core.RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if campaignID != "" {
		query += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// DashboardFilter narrows the dashboard run listing.
type DashboardFilter struct {
	CustomerID string
	Status     core.RunStatus
	// Query matches a substring of the campaign or customer name.
	Query string
	Limit int
}

// DashboardRun is a run joined with its campaign and customer.
type DashboardRun struct {
	Run          *core.RunRecord
	CampaignName *string
	CustomerID   string
	CustomerName string
}

// ListDashboardRuns returns recent runs whose campaign and customer still exist.
func (s *Store) ListDashboardRuns(ctx context.Context, filter DashboardFilter) ([]*DashboardRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	var (
		where []string
		args  []any
	)
	if filter.CustomerID != "" {
		where = append(where, "cu.id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, filter.Status)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "(c.name LIKE ? OR cu.name LIKE ?)")
		like := "%" + q + "%"
		args = append(args, like, like)
	}
	query := `
		SELECT r.id, r.campaign_id, r.mode, r.status, r.started_at, r.finished_at, r.log_path, r.artifacts_path, r.result_json,
			c.name, cu.id, cu.name
		FROM runs r
		JOIN campaigns c ON c.id = r.campaign_id
		JOIN customers cu ON cu.id = c.customer_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dashboard runs: %w", err)
	}
	defer rows.Close()
	var out []*DashboardRun
	for rows.Next() {
		var (
			r            runRow
			campaignName sql.NullString
			item         DashboardRun
		)
		if err := rows.Scan(r.dest(&campaignName, &item.CustomerID, &item.CustomerName)...); err != nil {
			return nil, fmt.Errorf("scan dashboard run: %w", err)
		}
		run, err := r.record()
		if err != nil {
			return nil, err
		}
		item.Run = run
		item.CampaignName = stringPtr(campaignName)
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func collectRuns(rows *sql.Rows) ([]*core.RunRecord, error) {
	defer rows.Close()
	var runs []*core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

type runRow struct {
	id            string
	campaignID    string
	mode          string
	status        string
	startedAt     string
	finishedAt    sql.NullString
	logPath       string
	artifactsPath string
	resultJSON    sql.NullString
}

func (r *runRow) dest(extra ...any) []any {
	return append([]any{&r.id, &r.campaignID, &r.mode, &r.status, &r.startedAt, &r.finishedAt,
		&r.logPath, &r.artifactsPath, &r.resultJSON}, extra...)
}

func (r *runRow) record() (*core.RunRecord, error) {
	startedAt, err := parseTime(r.startedAt)
	if err != nil {
		return nil, err
	}
	run := &core.RunRecord{
		ID:            r.id,
		CampaignID:    r.campaignID,
		Mode:          core.Mode(r.mode),
		Status:        core.RunStatus(r.status),
		StartedAt:     startedAt,
		LogPath:       r.logPath,
		ArtifactsPath: r.artifactsPath,
	}
	if r.finishedAt.Valid {
		t, err := parseTime(r.finishedAt.String)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &t
	}
	if r.resultJSON.Valid && r.resultJSON.String != "" {
		var result core.RunResult
		if err := json.Unmarshal([]byte(r.resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", r.id, err)
		}
		run.Result = &result
	}
	return run, nil
}

func scanRun(sc scanner) (*core.RunRecord, error) {
	var r runRow
	if err := sc.Scan(r.dest()...); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r.record()
}
