package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignd/internal/core"
)

const jobColumns = `id, campaign_id, run_at, status, token, customer_name, campaign_name, created_at, updated_at, last_run_id`

func (s *Store) InsertScheduledJob(ctx context.Context, job *core.ScheduledJob) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scheduled_runs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.CampaignID, formatTime(job.RunAt), job.Status, nullableString(job.Credential),
		nullableString(job.CustomerName), nullableString(job.CampaignName),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), nullableString(job.LastRunID))
	if err != nil {
		return fmt.Errorf("insert scheduled run: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledJob(ctx context.Context, id string) (*core.ScheduledJob, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_runs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListScheduledJobs returns jobs ordered by run_at, newest first. A limit of
// zero or less returns every matching job.
func (s *Store) ListScheduledJobs(ctx context.Context, status *core.JobStatus, limit int) ([]*core.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_runs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY run_at DESC, created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	defer rows.Close()
	var jobs []*core.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// TransitionScheduledJob applies a status change only from one of the expected statuses.
func (s *Store) TransitionScheduledJob(ctx context.Context, id string, from []core.JobStatus, to core.JobStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition scheduled run %s: no source status", id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	set := `status = ?, updated_at = ?`
	if to.Terminal() {
		set += `, token = NULL`
	}
	args := []any{to, formatTime(at), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_runs SET `+set+`
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("transition scheduled run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RearmScheduledJob stores a fresh credential and resets an armable job to scheduled.
// A nil runAt keeps the current due time.
func (s *Store) RearmScheduledJob(ctx context.Context, id string, credential string, runAt *time.Time, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_runs
		SET token = ?, run_at = COALESCE(?, run_at), status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, credential, nullableTime(runAt), core.JobStatusScheduled, formatTime(at),
		id, core.JobStatusScheduled, core.JobStatusWaitingToken)
	if err != nil {
		return false, fmt.Errorf("rearm scheduled run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SetScheduledJobLastRun(ctx context.Context, id, runID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_runs SET last_run_id = ?, updated_at = ? WHERE id = ?
	`, runID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("set last run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func scanJob(sc scanner) (*core.ScheduledJob, error) {
	var (
		id           string
		campaignID   string
		runAt        string
		status       string
		token        sql.NullString
		customerName sql.NullString
		campaignName sql.NullString
		createdAt    string
		updatedAt    string
		lastRunID    sql.NullString
	)
	if err := sc.Scan(&id, &campaignID, &runAt, &status, &token, &customerName, &campaignName, &createdAt, &updatedAt, &lastRunID); err != nil {
		return nil, fmt.Errorf("scan scheduled run: %w", err)
	}
	job := &core.ScheduledJob{
		ID:           id,
		CampaignID:   campaignID,
		Status:       core.JobStatus(status),
		Credential:   stringPtr(token),
		CustomerName: stringPtr(customerName),
		CampaignName: stringPtr(campaignName),
		LastRunID:    stringPtr(lastRunID),
	}
	var err error
	if job.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return job, nil
}
